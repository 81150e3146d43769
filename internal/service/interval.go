package service

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"
)

// intervalUnits 周期后缀，按从大到小排列
var intervalUnits = []struct {
	suffix string
	unit   time.Duration
}{
	{"d", 24 * time.Hour},
	{"h", time.Hour},
	{"m", time.Minute},
}

// StringToFloat 解析交易所以字符串下发的数值字段，空串视为错误
func StringToFloat(s string) (float64, error) {
	if s = strings.TrimSpace(s); s == "" {
		return 0, errors.New("empty number")
	}
	return cast.ToFloat64E(s)
}

// StringToInt64 解析毫秒时间戳等整数字段
func StringToInt64(s string) (int64, error) {
	if s = strings.TrimSpace(s); s == "" {
		return 0, errors.New("empty number")
	}
	return cast.ToInt64E(s)
}

// FormatInterval 把 time.Duration 写成最大整除单位的 K 线周期，例如 90m、4h、1d。
// 不足一分钟或无法整除时回退到 Duration.String()。
func FormatInterval(d time.Duration) string {
	for _, u := range intervalUnits {
		if d >= u.unit && d%u.unit == 0 {
			return fmt.Sprintf("%d%s", d/u.unit, u.suffix)
		}
	}
	return d.String()
}

// ParseIntervalDuration 解析 K 线周期，例如 "15m" -> 15*time.Minute
func ParseIntervalDuration(s string) (time.Duration, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("invalid interval format: %q", s)
	}
	suffix, num := s[len(s)-1:], s[:len(s)-1]
	for _, u := range intervalUnits {
		if u.suffix != suffix {
			continue
		}
		n, err := strconv.Atoi(num)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid interval value: %s", num)
		}
		return time.Duration(n) * u.unit, nil
	}
	return 0, fmt.Errorf("unsupported interval unit: %s", suffix)
}

// NormalizeInterval 把等价写法统一成一种，例如 "60m" -> "1h"，订阅和文件名据此去重
func NormalizeInterval(s string) (string, error) {
	d, err := ParseIntervalDuration(s)
	if err != nil {
		return "", err
	}
	return FormatInterval(d), nil
}
