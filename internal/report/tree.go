// Copyright (c) 2026 John Earle
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

package report

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html/charset"
)

// element is a minimal XML node. Every accessor tolerates a nil receiver so
// optional sub-trees can be walked without checks at each level.
type element struct {
	name     string
	attrs    []xml.Attr
	text     strings.Builder
	children []*element
}

func (e *element) child(name string) *element {
	if e == nil {
		return nil
	}
	for _, c := range e.children {
		if c.name == name {
			return c
		}
	}
	return nil
}

func (e *element) all(name string) []*element {
	if e == nil {
		return nil
	}
	var out []*element
	for _, c := range e.children {
		if c.name == name {
			out = append(out, c)
		}
	}
	return out
}

// value returns the trimmed character data directly under e.
func (e *element) value() string {
	if e == nil {
		return ""
	}
	return strings.TrimSpace(e.text.String())
}

// parseTree reads data into an element tree and returns the document root.
func parseTree(data []byte) (*element, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.CharsetReader = charset.NewReaderLabel

	var (
		root  *element
		stack []*element
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedXML, err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			el := &element{name: t.Name.Local, attrs: t.Attr}
			if len(stack) == 0 {
				if root != nil {
					return nil, fmt.Errorf("%w: multiple root elements", ErrMalformedXML)
				}
				root = el
			} else {
				parent := stack[len(stack)-1]
				parent.children = append(parent.children, el)
			}
			stack = append(stack, el)
		case xml.EndElement:
			stack = stack[:len(stack)-1]
		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].text.Write(t)
			}
		}
	}

	if root == nil {
		return nil, fmt.Errorf("%w: no root element", ErrMalformedXML)
	}
	return root, nil
}

// toObject converts e into a JSON-like value: child elements become keys,
// repeated children become arrays and attributes sit under "@attributes".
func toObject(e *element) map[string]any {
	out := make(map[string]any)
	if e == nil {
		return out
	}

	if len(e.attrs) > 0 {
		attrs := make(map[string]any, len(e.attrs))
		for _, a := range e.attrs {
			attrs[a.Name.Local] = a.Value
		}
		out["@attributes"] = attrs
	}

	for _, c := range e.children {
		v := toValue(c)
		existing, ok := out[c.name]
		if !ok {
			out[c.name] = v
			continue
		}
		// toValue never yields a slice, so a slice here is a repeated key.
		if list, isList := existing.([]any); isList {
			out[c.name] = append(list, v)
		} else {
			out[c.name] = []any{existing, v}
		}
	}
	return out
}

func toValue(e *element) any {
	if len(e.children) == 0 && len(e.attrs) == 0 {
		return e.value()
	}
	return toObject(e)
}
