// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package openai

import "strings"

// repairJSON fixes the malformations models commonly produce in analysis
// responses: object keys missing their opening quote (`, tags":`) and
// trailing commas before a closing bracket. String contents are never
// touched.
func repairJSON(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 8)

	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			b.WriteByte(c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
			b.WriteByte(c)
		case '{', ',':
			j := skipSpace(s, i+1)
			if c == ',' && j < len(s) && (s[j] == '}' || s[j] == ']') {
				continue
			}
			b.WriteByte(c)
			b.WriteString(s[i+1 : j])
			if end := bareKey(s, j); end >= 0 {
				b.WriteByte('"')
				b.WriteString(s[j:end])
				b.WriteString(`":`)
				i = end + 1
			} else {
				i = j - 1
			}
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func skipSpace(s string, i int) int {
	for i < len(s) && (s[i] == ' ' || s[i] == '\n' || s[i] == '\t' || s[i] == '\r') {
		i++
	}
	return i
}

// bareKey returns the index of the `":` closing an unquoted key that starts
// at i, or -1 if there is no such key.
func bareKey(s string, i int) int {
	j := i
	for j < len(s) && (isLetter(rune(s[j])) || s[j] == '_' || (j > i && s[j] >= '0' && s[j] <= '9')) {
		j++
	}
	if j == i || j+1 >= len(s) || s[j] != '"' || s[j+1] != ':' {
		return -1
	}
	return j
}
