package velocity

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Window 参与计算的历史周期数，0 表示全部
type Window int

const WindowAll Window = 0

// ParseWindow 解析窗口参数：
//
//	"6"   -> 最近 6 个周期
//	"4w"  -> 最近 4 周
//	"3m"  -> 最近 3 个月（按周换算，向上取整）
//	"all" -> 全部历史
func ParseWindow(raw string) (Window, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" || s == "all" {
		return WindowAll, nil
	}

	unit := s[len(s)-1]
	numPart := s
	if unit == 'w' || unit == 'm' {
		numPart = s[:len(s)-1]
	}

	n, err := strconv.Atoi(numPart)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid velocity window %q", raw)
	}

	if unit == 'm' {
		return Window(int(math.Ceil(float64(n) * 52 / 12))), nil
	}
	return Window(n), nil
}

func (w Window) String() string {
	if w == WindowAll {
		return "all"
	}
	return fmt.Sprintf("%dw", int(w))
}
