// Package util small helpers shared by the repository, the operator and the CLI.
package util

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// In whether val is one of set
func In[T comparable](val T, set ...T) bool {
	for _, v := range set {
		if v == val {
			return true
		}
	}
	return false
}

// ToJSON json text of v
func ToJSON(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// FromJSON decode s into v, a blank s leaves v untouched
func FromJSON(s string, v interface{}) error {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}

// MD5Hex hex digest of str, used as the identity key of job parameters
func MD5Hex(str string) string {
	sum := md5.Sum([]byte(str))
	return hex.EncodeToString(sum[:])
}
