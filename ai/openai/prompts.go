package openai

import (
	"fmt"
	"strings"

	"github.com/poiesic/alexandria/ai"
)

const analysisResponseSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "classification": {
      "type": "string"
    },
    "summary": {
      "type": "string"
    },
    "tags": {
      "type": "array",
      "items": {
        "type": "string",
        "pattern": "^[a-z0-9]+( [a-z0-9]+)*$"
      }
    },
    "confidence": {
      "type": "number",
      "minimum": 0,
      "maximum": 1
    }
  },
  "required": ["classification", "summary", "tags", "confidence"],
  "additionalProperties": false
}`

const analysisPromptTemplate = `Analyze the document given by the user and return the result as JSON.

Output ONLY valid JSON which complies with the schema given below. Do not include any preamble, explanation,
greeting, or acknowledgment. Start your response directly with the opening brace { and end with the closing
brace }. Your output must exactly follow this schema:

%s

Rules:
- classification must be exactly one of: %s.
- summary is at most three sentences and states what the document is about, not how it is written.
- tags are lowercase keywords or short phrases (1-3 words), most relevant first, at most %d of them.
- Include only tags for topics the document actually covers. Do not hallucinate.
- confidence is your confidence in the classification, from 0 to 1.
- The JSON must parse without errors; no trailing commas, no extra keys, and no extraneous text outside the object.

Example:
Input: "Quarterly revenue grew 12%% on strong cloud demand. Operating margin fell due to data center spending."
Output:
{
  "classification": "report",
  "summary": "A quarterly financial update reporting revenue growth driven by cloud demand and lower margins from data center investment.",
  "tags": ["revenue", "cloud computing", "operating margin", "data center"],
  "confidence": 0.9
}`

// buildSystemPrompt creates the system prompt with classifications embedded.
// Caller instructions, when present, are appended as additional guidance.
func buildSystemPrompt(instructions string, maxTags int) string {
	prompt := fmt.Sprintf(analysisPromptTemplate,
		analysisResponseSchema,
		strings.Join(ai.Classifications, ", "),
		maxTags)
	if instructions = strings.TrimSpace(instructions); instructions != "" {
		prompt += "\n\nAdditional instructions:\n" + instructions
	}
	return prompt
}
