// Package util 提供跨层共用的小工具: 环境变量读取、数值钳制、
// SQL LIKE 转义、受限写入等。
package util

import (
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/knowledge-agent/go-convsync/pkg/logger"
)

// likeEscaper 预构建的 LIKE 元字符转义器。
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// EscapeLike 转义 SQL LIKE 模式中的元字符 (%, _, \)。
func EscapeLike(s string) string {
	return likeEscaper.Replace(s)
}

// ClampInt 将 v 钳制到 [lo, hi]。
func ClampInt(v, lo, hi int) int {
	return max(lo, min(v, hi))
}

// envLookup 读取环境变量并去除首尾空白; 未设置或全空白视为缺失。
func envLookup(name string) (string, bool) {
	raw, ok := os.LookupEnv(name)
	if !ok {
		return "", false
	}
	raw = strings.TrimSpace(raw)
	return raw, raw != ""
}

// EnvStr 读取字符串环境变量，缺失时返回 def。
func EnvStr(name, def string) string {
	if v, ok := envLookup(name); ok {
		return v
	}
	return def
}

// EnvInt 读取整型环境变量，解析失败返回 def，结果不小于 min。
func EnvInt(name string, def, min int) int {
	v := def
	if raw, ok := envLookup(name); ok {
		if parsed, err := strconv.Atoi(raw); err == nil {
			v = parsed
		}
	}
	return max(v, min)
}

// EnvFloat 读取浮点环境变量，解析失败返回 def，结果不小于 min。
func EnvFloat(name string, def, minVal float64) float64 {
	v := def
	if raw, ok := envLookup(name); ok {
		if parsed, err := strconv.ParseFloat(raw, 64); err == nil {
			v = parsed
		}
	}
	if v < minVal {
		return minVal
	}
	return v
}

// EnvBool 读取布尔环境变量。接受 1/true/yes/on 与 0/false/no/off,
// 其余值返回 def。
func EnvBool(name string, def bool) bool {
	raw, ok := envLookup(name)
	if !ok {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}

// LoadFromEnv 按 struct tag 从环境变量填充配置结构体。
//
// tag 约定:
//   - env:"VAR_NAME"   环境变量名 (缺省跳过该字段)
//   - default:"value"  缺省值
//   - min:"N"          下限 (int / float64 字段)
//
// 字段类型支持 string / int / float64 / bool, 其余类型忽略。
func LoadFromEnv(ptr any) {
	rv := reflect.ValueOf(ptr)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		logger.Error("util.LoadFromEnv: need a non-nil pointer to struct")
		return
	}

	v := rv.Elem()
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if name := field.Tag.Get("env"); name != "" {
			setFieldFromEnv(v.Field(i), name, field.Tag.Get("default"), field.Tag.Get("min"))
		}
	}
}

// setFieldFromEnv 按字段类型选择对应的 Env* 读取器并写回。
func setFieldFromEnv(fv reflect.Value, name, def, minTag string) {
	switch fv.Kind() {
	case reflect.String:
		fv.SetString(EnvStr(name, def))

	case reflect.Int:
		defInt, _ := strconv.Atoi(def)
		minInt, _ := strconv.Atoi(minTag)
		fv.SetInt(int64(EnvInt(name, defInt, minInt)))

	case reflect.Float64:
		defFloat, _ := strconv.ParseFloat(def, 64)
		minFloat, _ := strconv.ParseFloat(minTag, 64)
		fv.SetFloat(EnvFloat(name, defFloat, minFloat))

	case reflect.Bool:
		fv.SetBool(EnvBool(name, def == "true" || def == "1" || def == "yes"))
	}
}
