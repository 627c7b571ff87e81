package executor

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/taskcore/engine/planner/plan"
)

// evaluateCriteria implements spec §4.7 "Success criteria evaluation": one
// CriterionResult per criterion, checked against the synthesized text and
// the executed step results.
func evaluateCriteria(criteria []plan.SuccessCriterion, steps []StepResult, synthesized string) []CriterionResult {
	out := make([]CriterionResult, 0, len(criteria))
	for _, c := range criteria {
		var met bool
		switch c.Type {
		case plan.CriterionOutputContains:
			met = outputContainsCriterion(c, synthesized)
		case plan.CriterionToolSucceeded:
			met = toolSucceededCriterion(c, steps)
		case plan.CriterionPageState:
			met = pageStateCriterion(c, steps)
		case plan.CriterionFileExists:
			met = fileExistsCriterion(c, steps)
		case plan.CriterionCustom:
			met = customCriterion(steps)
		}
		out = append(out, CriterionResult{Description: c.Description, Type: c.Type, Met: met})
	}
	return out
}

func outputContainsCriterion(c plan.SuccessCriterion, text string) bool {
	expect, _ := c.Check["text"].(string)
	if expect == "" {
		return false
	}
	if re, err := regexp.Compile("(?i)" + expect); err == nil && re.MatchString(text) {
		return true
	}
	return strings.Contains(strings.ToLower(text), strings.ToLower(expect))
}

func toolSucceededCriterion(c plan.SuccessCriterion, steps []StepResult) bool {
	toolName, _ := c.Check["toolName"].(string)
	for _, s := range steps {
		if toolName == "" || s.ToolName == toolName {
			if s.Success {
				return true
			}
		}
	}
	return false
}

func pageStateCriterion(c plan.SuccessCriterion, steps []StepResult) bool {
	urlSub, _ := c.Check["url"].(string)
	titleSub, _ := c.Check["title"].(string)
	for _, s := range steps {
		if !s.Success || !strings.HasPrefix(s.ToolName, "browser_") {
			continue
		}
		out := fmt.Sprintf("%v", s.Output)
		if urlSub != "" && strings.Contains(out, urlSub) {
			return true
		}
		if titleSub != "" && strings.Contains(out, titleSub) {
			return true
		}
	}
	return false
}

func fileExistsCriterion(c plan.SuccessCriterion, steps []StepResult) bool {
	path, _ := c.Check["path"].(string)
	for _, s := range steps {
		if !s.Success || (s.ToolName != "file_write" && s.ToolName != "file_read") {
			continue
		}
		if p, ok := s.ToolArgs["path"].(string); ok && (path == "" || p == path) {
			return true
		}
	}
	return false
}

func customCriterion(steps []StepResult) bool {
	for _, s := range steps {
		if s.Success {
			return true
		}
	}
	return false
}
