package workflows

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"HumanLoop/internal/engine"
)

var digitRuns = regexp.MustCompile(`\d+`)

// activityRetry 对应演示工作流的活动配置：单次 10 分钟，最多 3 次。
var activityRetry = engine.RetryPolicy{
	StartToCloseTimeout: 10 * time.Minute,
	MaximumAttempts:     3,
}

// GetDigitsFromString 提取字符串中的所有数字并拆成单个数位。
func GetDigitsFromString(_ context.Context, input string) ([]int, error) {
	joined := strings.Join(digitRuns.FindAllString(input, -1), "")
	digits := make([]int, 0, len(joined))
	for _, r := range joined {
		d, err := strconv.Atoi(string(r))
		if err != nil {
			return nil, err
		}
		digits = append(digits, d)
	}
	return digits, nil
}

// DoubleNumber 返回 n 的两倍。
func DoubleNumber(_ context.Context, n int) (int, error) {
	return n * 2, nil
}
