package humantask

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	xerrors "HumanLoop/internal/errors"
)

const keyPrefix = "doHumanTask-"

// DeterministicKey 根据任务类型与输入计算去重键：
// doHumanTask-<type>-<规范化 JSON 的 sha256 十六进制>。
// 对象键按字典序排列，因此字段顺序不同的等价输入得到相同的键。
func DeterministicKey(taskType string, input json.RawMessage) (string, error) {
	if strings.TrimSpace(taskType) == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "任务类型不能为空")
	}
	canonical, err := canonicalJSON(input)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return keyPrefix + taskType + "-" + hex.EncodeToString(sum[:]), nil
}

func canonicalJSON(raw json.RawMessage) ([]byte, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "任务输入必须是合法的 JSON")
	}
	if decoder.More() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "任务输入只能包含一个 JSON 值")
	}
	return json.Marshal(value)
}

func marshalInput(input any) (json.RawMessage, error) {
	if raw, ok := input.(json.RawMessage); ok {
		if _, err := canonicalJSON(raw); err != nil {
			return nil, err
		}
		return raw, nil
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化任务输入失败")
	}
	return raw, nil
}
