// Licensed to the Apache Software Foundation (ASF) under one
// or more contributor license agreements.  See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership.  The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License.  You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package clickhouse

import (
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
)

type paramStyle int

const (
	paramStyleNone paramStyle = iota
	// paramStyleTyped is ClickHouse's {name:Type} syntax, substituted by
	// the server.
	paramStyleTyped
	// paramStylePositional is `?`, bound client-side by clickhouse-go.
	paramStylePositional
)

// typedParam is one {name:Type} placeholder.
type typedParam struct {
	Name string
	Type string
}

// placeholders is the result of scanning a query for parameters.
type placeholders struct {
	style      paramStyle
	typed      []typedParam
	positional int
}

// scanPlaceholders finds parameters outside string literals, quoted
// identifiers and comments. Typed parameters are deduplicated by name.
func scanPlaceholders(query string) placeholders {
	var ph placeholders
	seen := map[string]bool{}

	for i := 0; i < len(query); i++ {
		switch c := query[i]; c {
		case '\'', '"', '`':
			i = skipQuoted(query, i, c)
		case '-':
			if strings.HasPrefix(query[i:], "--") {
				i = skipLine(query, i)
			}
		case '#':
			i = skipLine(query, i)
		case '/':
			if strings.HasPrefix(query[i:], "/*") {
				end := strings.Index(query[i+2:], "*/")
				if end < 0 {
					return ph
				}
				i += end + 3
			}
		case '?':
			ph.positional++
		case '{':
			end := strings.IndexByte(query[i:], '}')
			if end < 0 {
				continue
			}
			name, typ, ok := strings.Cut(query[i+1:i+end], ":")
			name, typ = strings.TrimSpace(name), strings.TrimSpace(typ)
			if !ok || name == "" || typ == "" || !isParamName(name) {
				continue
			}
			if !seen[name] {
				seen[name] = true
				ph.typed = append(ph.typed, typedParam{Name: name, Type: typ})
			}
			i += end
		}
	}

	switch {
	case len(ph.typed) > 0:
		ph.style = paramStyleTyped
	case ph.positional > 0:
		ph.style = paramStylePositional
	}
	return ph
}

// trimStatement drops trailing comments, semicolons and whitespace so the
// query can be nested inside another statement.
func trimStatement(query string) string {
	end := 0
	for i := 0; i < len(query); i++ {
		switch c := query[i]; {
		case c == '\'' || c == '"' || c == '`':
			i = skipQuoted(query, i, c)
			end = min(i+1, len(query))
		case c == '#' || strings.HasPrefix(query[i:], "--"):
			i = skipLine(query, i)
		case strings.HasPrefix(query[i:], "/*"):
			stop := strings.Index(query[i+2:], "*/")
			if stop < 0 {
				return query[:end]
			}
			i += stop + 3
		case c == ';' || c == ' ' || c == '\t' || c == '\n' || c == '\r':
		default:
			end = i + 1
		}
	}
	return query[:end]
}

func skipQuoted(query string, i int, quote byte) int {
	for j := i + 1; j < len(query); j++ {
		switch query[j] {
		case '\\':
			j++
		case quote:
			// a doubled quote is an escaped quote
			if j+1 < len(query) && query[j+1] == quote {
				j++
				continue
			}
			return j
		}
	}
	return len(query)
}

func skipLine(query string, i int) int {
	end := strings.IndexByte(query[i:], '\n')
	if end < 0 {
		return len(query)
	}
	return i + end
}

func isParamName(name string) bool {
	for i := 0; i < len(name); i++ {
		if !isIdentByte(name[i]) {
			return false
		}
	}
	return true
}

// schema builds the parameter descriptor. Typed parameters carry their
// name and mapped Arrow type; positional ones are unnamed and typed null
// since ClickHouse cannot describe them before execution.
func (ph placeholders) schema() (*arrow.Schema, error) {
	switch ph.style {
	case paramStyleTyped:
		fields := make([]arrow.Field, len(ph.typed))
		for i, param := range ph.typed {
			field, _, err := arrowFieldForColumn(param.Name, param.Type)
			if err != nil {
				return nil, err
			}
			fields[i] = field
		}
		return arrow.NewSchema(fields, nil), nil
	case paramStylePositional:
		fields := make([]arrow.Field, ph.positional)
		for i := range fields {
			fields[i] = arrow.Field{Type: arrow.Null, Nullable: true}
		}
		return arrow.NewSchema(fields, nil), nil
	}
	return arrow.NewSchema(nil, nil), nil
}
