package workflows

import (
	"context"
	"strings"

	"golang.org/x/sync/errgroup"

	"HumanLoop/internal/engine"
	"HumanLoop/internal/humantask"
)

// AddDigitsInStringTogether 提取数字、请人工求和，再把和翻倍。
func AddDigitsInStringTogether(wf *engine.Workflow, r *humantask.Requestor, input string) (int, error) {
	digits, err := engine.Activity(wf, wf.Context(), "GetDigitsFromString", func(ctx context.Context) ([]int, error) {
		return GetDigitsFromString(ctx, input)
	}, engine.WithActivityRetry(activityRetry))
	if err != nil {
		return 0, err
	}

	result, err := AddDigits(wf, r, AddDigitsInput{Digits: digits})
	if err != nil {
		return 0, err
	}

	return engine.Activity(wf, wf.Context(), "DoubleNumber", func(ctx context.Context) (int, error) {
		return DoubleNumber(ctx, result.Sum)
	}, engine.WithActivityRetry(activityRetry))
}

// WriteDigitsInWords 为每个数位并行发起一个人工任务，按原顺序拼接结果。
func WriteDigitsInWords(wf *engine.Workflow, r *humantask.Requestor, input string) (string, error) {
	digits, err := engine.Activity(wf, wf.Context(), "GetDigitsFromString", func(ctx context.Context) ([]int, error) {
		return GetDigitsFromString(ctx, input)
	}, engine.WithActivityRetry(activityRetry))
	if err != nil {
		return "", err
	}

	words := make([]string, len(digits))
	var g errgroup.Group
	for i, d := range digits {
		g.Go(func() error {
			out, err := WriteNumberInWords(wf, r, WriteNumberInWordsInput{Number: d})
			if err != nil {
				return err
			}
			words[i] = out.Text
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}
	return strings.Join(words, " "), nil
}
