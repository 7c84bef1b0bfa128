package retry

import "fmt"

// repairPromptTemplate is a format for an auxiliary "reformat to this
// schema" prompt after an LLM reply fails to parse as JSON. The Job Manager
// does not use it: it builds its own reformat text in jobmanager/loop.go.
// Grounded on the teacher's
// runtime/a2a/retry and runtime/mcp/retry repair-prompt template, which used
// the identical structure for schema-invalid tool-call parameters.
const repairPromptTemplate = `
Your previous reply could not be parsed as the required JSON object.
%sError: %s
Reply now with ONLY the corrected JSON object. Do not include prose, code
fences, or any text before or after the JSON.
Example shape: %s`

// BuildJSONRepairPrompt constructs a deterministic, compact repair
// instruction for a single auxiliary retry attempt.
func BuildJSONRepairPrompt(parseErr string, exampleJSON string, schema string) string {
	schemaPart := ""
	if schema != "" {
		schemaPart = "Schema: " + schema + "\n"
	}
	return fmt.Sprintf(repairPromptTemplate, schemaPart, parseErr, exampleJSON)
}
