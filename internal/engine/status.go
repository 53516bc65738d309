package engine

// Status 是引擎状态快照，供诊断接口输出。
type Status struct {
	URL       string `json:"url"`
	State     string `json:"state"`
	Available int64  `json:"available"`
	Length    int64  `json:"length"`
	Mime      string `json:"mime,omitempty"`
	Readers   int    `json:"readers"`
	Error     string `json:"error,omitempty"`
}

// Snapshot 返回当前状态快照。
func (e *ProxyCache) Snapshot() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	status := Status{
		URL:       e.url,
		State:     e.state.String(),
		Available: e.available,
		Length:    e.info.Length,
		Mime:      e.info.Mime,
		Readers:   e.readers,
	}
	if e.state == StateFailed && e.err != nil {
		status.Error = e.err.Error()
	}
	return status
}
