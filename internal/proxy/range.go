package proxy

import (
	"strconv"
	"strings"
)

// parseRange 解析 Range 请求头，只关心起始偏移：
// "bytes=N-" 与 "bytes=N-M"（结束位置忽略，始终流式返回到末尾）。
// 多段范围取第一段；后缀范围 "bytes=-N" 与格式错误的值按无 Range 处理。
func parseRange(header string) (offset int64, ok bool) {
	header = strings.TrimSpace(header)
	if len(header) < len("bytes=") || !strings.EqualFold(header[:len("bytes=")], "bytes=") {
		return 0, false
	}
	first := header[len("bytes="):]
	if idx := strings.IndexByte(first, ','); idx >= 0 {
		first = first[:idx]
	}
	first = strings.TrimSpace(first)

	startRaw, endRaw, found := strings.Cut(first, "-")
	if !found {
		return 0, false
	}
	startRaw = strings.TrimSpace(startRaw)
	endRaw = strings.TrimSpace(endRaw)
	if startRaw == "" {
		return 0, false
	}
	start, err := strconv.ParseInt(startRaw, 10, 64)
	if err != nil || start < 0 {
		return 0, false
	}
	if endRaw != "" {
		end, err := strconv.ParseInt(endRaw, 10, 64)
		if err != nil || end < start {
			return 0, false
		}
	}
	return start, true
}
