package executor

import (
	"regexp"
	"strconv"
)

// pipelineIDPattern matches pipeline references agents emit, e.g.
// "pipeline 4263", "Pipeline #4263", "pipeline_id: 4263".
var pipelineIDPattern = regexp.MustCompile(`(?i)pipeline[\s_#:id]{0,6}(\d+)`)

// ExtractPipelineID returns the first pipeline ID mentioned in the text, or
// (0, false) if none is found.
func ExtractPipelineID(text string) (int64, bool) {
	match := pipelineIDPattern.FindStringSubmatch(text)
	if match == nil {
		return 0, false
	}
	id, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
