package jsondiff

import (
	"strconv"
	"strings"
)

var (
	tokenEscaper   = strings.NewReplacer("~", "~0", "/", "~1")
	tokenUnescaper = strings.NewReplacer("~1", "/", "~0", "~")
)

// EscapeToken escapes an object key for use as a JSON pointer segment (RFC 6901)
func EscapeToken(key string) string {
	if !strings.ContainsAny(key, "~/") {
		return key
	}
	return tokenEscaper.Replace(key)
}

// UnescapeToken reverses EscapeToken
func UnescapeToken(token string) string {
	if !strings.Contains(token, "~") {
		return token
	}
	return tokenUnescaper.Replace(token)
}

// JoinPointer appends an unescaped key to a pointer
func JoinPointer(pointer, key string) string {
	return pointer + "/" + EscapeToken(key)
}

// ParsePointer splits a pointer into unescaped reference tokens.
// The empty pointer addresses the whole document and yields no tokens.
func ParsePointer(pointer string) ([]string, error) {
	if pointer == "" {
		return nil, nil
	}
	if pointer[0] != '/' {
		return nil, invalidPath(pointer, "pointer must start with '/'")
	}
	tokens := strings.Split(pointer[1:], "/")
	for i, tok := range tokens {
		if !validEscapes(tok) {
			return nil, invalidPath(pointer, "bad escape sequence in "+strconv.Quote(tok))
		}
		tokens[i] = UnescapeToken(tok)
	}
	return tokens, nil
}

// validEscapes reports whether every '~' is followed by '0' or '1'
func validEscapes(token string) bool {
	for i := 0; i < len(token); i++ {
		if token[i] != '~' {
			continue
		}
		if i+1 >= len(token) || (token[i+1] != '0' && token[i+1] != '1') {
			return false
		}
		i++
	}
	return true
}

// parseIndex resolves an array token. allowEnd permits index == length
// (insert position) and the "-" token.
func parseIndex(token string, length int, allowEnd bool, path string) (int, error) {
	if token == "-" {
		if allowEnd {
			return length, nil
		}
		return 0, invalidPath(path, "'-' is only valid for add")
	}
	if !isIndex(token) {
		return 0, invalidPath(path, "malformed array index "+strconv.Quote(token))
	}
	idx, err := strconv.Atoi(token)
	if err != nil || idx < 0 {
		return 0, invalidPath(path, "malformed array index "+strconv.Quote(token))
	}
	limit := length - 1
	if allowEnd {
		limit = length
	}
	if idx > limit {
		return 0, pathNotFound(path)
	}
	return idx, nil
}

// isIndex reports whether token is an RFC 6901 array index: ASCII digits
// with no leading zero
func isIndex(token string) bool {
	if token == "" || (len(token) > 1 && token[0] == '0') {
		return false
	}
	for i := 0; i < len(token); i++ {
		if token[i] < '0' || token[i] > '9' {
			return false
		}
	}
	return true
}
