package tokens

import (
	"fmt"
	"math/big"
)

// Base58Alphabet is the Bitcoin-style base58 alphabet. It excludes the
// characters 0, O, I, and l, which are easy to confuse when a token is
// read aloud or retyped.
const Base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

// base58Index maps alphabet characters back to their values. Entries not
// in the alphabet hold -1.
var base58Index = func() [256]int8 {
	var idx [256]int8
	for i := range idx {
		idx[i] = -1
	}
	for i := 0; i < len(Base58Alphabet); i++ {
		idx[Base58Alphabet[i]] = int8(i)
	}
	return idx
}()

// base58Encode encodes bytes as base58. Leading zero bytes encode as
// leading '1' characters.
func base58Encode(input []byte) string {
	if len(input) == 0 {
		return ""
	}

	num := new(big.Int).SetBytes(input)
	base := big.NewInt(58)
	zero := big.NewInt(0)
	remainder := new(big.Int)

	var result []byte
	for num.Cmp(zero) > 0 {
		num.DivMod(num, base, remainder)
		result = append(result, Base58Alphabet[remainder.Int64()])
	}

	for _, b := range input {
		if b != 0 {
			break
		}
		result = append(result, Base58Alphabet[0])
	}

	// Digits were produced least significant first
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	return string(result)
}

// base58Decode decodes a base58 string. It fails on any character outside
// the alphabet.
func base58Decode(input string) ([]byte, error) {
	if len(input) == 0 {
		return nil, nil
	}

	num := big.NewInt(0)
	base := big.NewInt(58)

	for i := 0; i < len(input); i++ {
		val := base58Index[input[i]]
		if val < 0 {
			return nil, fmt.Errorf("invalid base58 character: %c", input[i])
		}
		num.Mul(num, base)
		num.Add(num, big.NewInt(int64(val)))
	}

	result := num.Bytes()

	for i := 0; i < len(input) && input[i] == Base58Alphabet[0]; i++ {
		result = append([]byte{0}, result...)
	}

	return result, nil
}
