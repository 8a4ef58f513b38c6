package vision

import (
	"fmt"
	"strings"

	"dtex/internal/pkg/jsonutil"
	"dtex/internal/pkg/text"
	"dtex/internal/token"

	"github.com/tidwall/gjson"
)

// 中文说明：
// 视觉模型输出的宽容解析：模型偶尔会把数组包在对象里、或只返回单个对象，
// 这里统一矫正为令牌数组后再逐条校验。解析歧义留在适配器内，不外泄给核心。

// CoerceTokenArrayJSON 将模型原始输出矫正为 JSON 令牌数组文本。
func CoerceTokenArrayJSON(raw string) (string, error) {
	extracted, ok := jsonutil.ExtractJSON(raw)
	if !ok {
		return "", fmt.Errorf("输出中未找到 json: %s", text.Truncate(strings.TrimSpace(raw), 200))
	}
	raw = extracted
	if !gjson.Valid(raw) {
		return "", fmt.Errorf("json 格式无效: %s", text.Truncate(raw, 200))
	}
	parsed := gjson.Parse(raw)
	if parsed.IsArray() {
		return raw, nil
	}
	if !parsed.IsObject() {
		return "", fmt.Errorf("根节点必须是 JSON 数组或对象")
	}
	if tokens := parsed.Get("tokens"); tokens.Exists() {
		if !tokens.IsArray() {
			return "", fmt.Errorf("tokens 必须是数组")
		}
		return strings.TrimSpace(tokens.Raw), nil
	}
	if strings.TrimSpace(parsed.Get("kind").String()) == "" {
		return "", fmt.Errorf("根节点为对象但未包含 tokens 数组或 kind 字段")
	}
	return "[" + raw + "]", nil
}

// ParseTokens 解析矫正后的数组为令牌列表，标注来源图片。
// 非法条目跳过并返回告警信息，不让单条坏数据拖垮整次抽取。
func ParseTokens(rawArray, imageID string) ([]token.Token, []string) {
	var out []token.Token
	var warnings []string
	idx := 0
	gjson.Parse(rawArray).ForEach(func(_, item gjson.Result) bool {
		idx++
		t, err := parseOne(item, imageID)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("token#%d: %v", idx, err))
			return true
		}
		out = append(out, t)
		return true
	})
	return out, warnings
}

func parseOne(item gjson.Result, imageID string) (token.Token, error) {
	kind := token.NormalizeKind(item.Get("kind").String())
	if kind == "" {
		return token.Token{}, fmt.Errorf("未知 kind %q", item.Get("kind").String())
	}
	name := strings.TrimSpace(item.Get("name").String())
	if name == "" {
		return token.Token{}, fmt.Errorf("name 必填")
	}
	value := token.Value{
		Hex:  strings.TrimSpace(item.Get("hex").String()),
		Px:   item.Get("px").Float(),
		Unit: strings.TrimSpace(item.Get("unit").String()),
		Raw:  strings.TrimSpace(item.Get("raw").String()),
	}
	if err := checkValue(kind, value); err != nil {
		return token.Token{}, err
	}
	conf := item.Get("confidence").Float()
	if conf <= 0 || conf > 1 {
		conf = 0.5
	}
	return token.Token{
		Kind:         kind,
		Name:         name,
		Value:        value,
		Confidence:   conf,
		DesignIntent: strings.TrimSpace(item.Get("design_intent").String()),
		Image:        imageID,
	}, nil
}

func checkValue(kind token.Kind, v token.Value) error {
	switch {
	case kind == token.KindColor:
		if !validHex(v.Hex) {
			return fmt.Errorf("color 需要 #RRGGBB 格式 hex，收到 %q", v.Hex)
		}
	case kind.Scalar():
		if v.Px < 0 {
			return fmt.Errorf("%s 数值不能为负", kind)
		}
	default:
		if strings.TrimSpace(v.Raw) == "" {
			return fmt.Errorf("%s 需要非空 raw 值", kind)
		}
	}
	return nil
}

func validHex(hex string) bool {
	hex = strings.TrimSpace(hex)
	if len(hex) != 7 || hex[0] != '#' {
		return false
	}
	for _, r := range hex[1:] {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
