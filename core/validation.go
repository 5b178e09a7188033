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


package core

import (
	"bytes"
	"fmt"
	"unicode/utf8"
)

// ValidateMessage validates a Message according to routing rules.
//
// Validation rules:
//   - Kind and Priority must be known values
//   - Recipient must name an agent or a known role
//   - Payload must be present and of a type allowed for the Kind
//   - Payload-specific rules (a completion carries a result or a failure, never both)
//
// NOT validated (assigned by NewMessage):
//   - ID
//   - CreatedAt
func ValidateMessage(m Message) error {
	if _, ok := kindNames[m.Kind]; !ok {
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidMessage, m.Kind)
	}
	if _, ok := priorityNames[m.Priority]; !ok {
		return fmt.Errorf("%w: unknown priority %d", ErrInvalidMessage, m.Priority)
	}
	if m.Recipient.AgentID == "" {
		if m.Recipient.Role == "" {
			return fmt.Errorf("%w: no recipient", ErrInvalidMessage)
		}
		if err := ValidateRole(m.Recipient.Role); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidMessage, err)
		}
	}
	if m.Payload == nil {
		return fmt.Errorf("%w: %s message without payload", ErrInvalidMessage, m.Kind)
	}
	if !m.Payload.acceptsKind(m.Kind) {
		return fmt.Errorf("%w: payload %T cannot travel as %s", ErrInvalidMessage, m.Payload, m.Kind)
	}
	return m.Payload.validate()
}

var pdfMagic = []byte("%PDF-")

// ValidateDocument checks that a document can enter extraction.
//
// Validation rules:
//   - Type must be known
//   - Content must not be empty or exceed maxSize (when maxSize > 0)
//   - PDFs must start with the PDF header
//   - Textual types must be valid UTF-8
func ValidateDocument(doc *Document, maxSize int64) error {
	if doc == nil {
		return fmt.Errorf("%w: document is nil", ErrValidation)
	}
	if doc.Type == DocTypeUnknown {
		return fmt.Errorf("%w: %w: %s", ErrValidation, ErrUnsupportedType, doc.Name)
	}
	if len(doc.Content) == 0 {
		return fmt.Errorf("%w: %w", ErrValidation, ErrEmptyContent)
	}
	if maxSize > 0 && doc.Size() > maxSize {
		return fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrValidation, doc.Size(), maxSize)
	}
	if doc.Type == DocTypePDF && !bytes.HasPrefix(doc.Content, pdfMagic) {
		return fmt.Errorf("%w: missing PDF header", ErrValidation)
	}
	if doc.Type.IsTextual() && !utf8.Valid(doc.Content) {
		return fmt.Errorf("%w: content is not valid UTF-8", ErrValidation)
	}
	return nil
}
