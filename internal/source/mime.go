package source

import (
	"mime"
	"net/url"
	"path"
	"strings"
)

// 系统 mime 库通常缺少部分流媒体扩展名。
var mediaTypes = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/x-m4v",
	".webm": "video/webm",
	".mkv":  "video/x-matroska",
	".mov":  "video/quicktime",
	".flv":  "video/x-flv",
	".3gp":  "video/3gpp",
	".ts":   "video/mp2t",
	".m3u8": "application/vnd.apple.mpegurl",
	".mp3":  "audio/mpeg",
	".m4a":  "audio/mp4",
	".aac":  "audio/aac",
	".ogg":  "audio/ogg",
}

// Extension 返回 URL 路径的扩展名（含点号，小写），无法识别时返回空串。
func Extension(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	ext := strings.ToLower(path.Ext(u.Path))
	if len(ext) < 2 || len(ext) > 8 || strings.ContainsAny(ext, "/\\") {
		return ""
	}
	return ext
}

// GuessMime 根据 URL 扩展名推测 MIME 类型，仅在源站未返回 Content-Type 时作为兜底。
func GuessMime(rawURL string) string {
	ext := Extension(rawURL)
	if ext == "" {
		return ""
	}
	if t, ok := mediaTypes[ext]; ok {
		return t
	}
	return mime.TypeByExtension(ext)
}
