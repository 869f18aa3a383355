package workflows

import (
	"fmt"
	"net/http"
	"strings"

	"HumanLoop/internal/engine"
	xerrors "HumanLoop/internal/errors"
	"HumanLoop/internal/humantask"
)

const (
	TypeAddDigits          = "add-digits"
	TypeWriteNumberInWords = "write-number-in-words"
)

// CodeInvalidHumanResult 表示人工提交的结果未通过校验。
const CodeInvalidHumanResult xerrors.Code = "INVALID_HUMAN_RESULT"

func init() {
	xerrors.Register(CodeInvalidHumanResult, xerrors.Attributes{
		Message:  "invalid human task result",
		Severity: xerrors.SeverityWarning,
		Status:   http.StatusUnprocessableEntity,
	})
}

type AddDigitsInput struct {
	Digits []int `json:"digits"`
}

type AddDigitsOutput struct {
	Sum int `json:"sum"`
}

type WriteNumberInWordsInput struct {
	Number int `json:"number"`
}

type WriteNumberInWordsOutput struct {
	Text string `json:"text"`
}

var numberWords = []string{"zero", "one", "two", "three", "four", "five", "six", "seven", "eight", "nine"}

// AddDigits 请人工求和，并校验结果。
func AddDigits(wf *engine.Workflow, r *humantask.Requestor, input AddDigitsInput) (AddDigitsOutput, error) {
	out, err := humantask.Request[AddDigitsInput, AddDigitsOutput](wf, r, TypeAddDigits, input)
	if err != nil {
		return AddDigitsOutput{}, err
	}
	sum := 0
	for _, d := range input.Digits {
		sum += d
	}
	if out.Sum != sum {
		return AddDigitsOutput{}, xerrors.New(CodeInvalidHumanResult,
			fmt.Sprintf("Invalid sum for %v: %d", input.Digits, out.Sum))
	}
	return out, nil
}

// WriteNumberInWords 请人工写出 0-9 的英文单词，结果必须是某个数字的单词。
func WriteNumberInWords(wf *engine.Workflow, r *humantask.Requestor, input WriteNumberInWordsInput) (WriteNumberInWordsOutput, error) {
	if input.Number < 0 || input.Number > 9 {
		return WriteNumberInWordsOutput{}, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("Invalid number: %d", input.Number))
	}
	out, err := humantask.Request[WriteNumberInWordsInput, WriteNumberInWordsOutput](wf, r, TypeWriteNumberInWords, input)
	if err != nil {
		return WriteNumberInWordsOutput{}, err
	}
	if !isNumberWord(out.Text) {
		return WriteNumberInWordsOutput{}, xerrors.New(CodeInvalidHumanResult,
			fmt.Sprintf("Invalid number word for %d: %s", input.Number, out.Text))
	}
	return out, nil
}

func isNumberWord(text string) bool {
	lower := strings.ToLower(text)
	for _, word := range numberWords {
		if word == lower {
			return true
		}
	}
	return false
}
