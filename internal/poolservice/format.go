package poolservice

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fyerfyer/connkeeper/pool"
)

// SnapshotData 表示统计信息的可序列化数据结构
type SnapshotData struct {
	Alias      string    `json:"alias"`
	InstanceID string    `json:"instanceId"`
	Up         bool      `json:"up"`
	Total      int       `json:"total"`
	Active     int       `json:"active"`
	Available  int       `json:"available"`
	Offline    int       `json:"offline"`
	BeingBuilt int       `json:"beingBuilt"`
	Minimum    int       `json:"minimumSize"`
	Maximum    int       `json:"maximumSize"`
	Spare      int       `json:"spareTarget"`
	Served     int64     `json:"served"`
	Refused    int64     `json:"refused"`
	Failures   int64     `json:"buildFailures"`
	Fatal      int64     `json:"fatalErrors"`
	Expired    int64     `json:"expired"`
	CreatedAt  time.Time `json:"createdAt"`
	TakenAt    time.Time `json:"takenAt"`
}

// NewSnapshotData 从统计快照生成可序列化数据
func NewSnapshotData(s pool.Snapshot) SnapshotData {
	return SnapshotData{
		Alias:      s.Alias,
		InstanceID: s.InstanceID,
		Up:         s.Up,
		Total:      s.Total,
		Active:     s.Active,
		Available:  s.Available,
		Offline:    s.Offline,
		BeingBuilt: s.BeingBuilt,
		Minimum:    s.MinimumSize,
		Maximum:    s.MaximumSize,
		Spare:      s.SpareTarget,
		Served:     s.Served,
		Refused:    s.Refused,
		Failures:   s.BuildFailures,
		Fatal:      s.FatalErrors,
		Expired:    s.Expired,
		CreatedAt:  s.CreatedAt,
		TakenAt:    s.TakenAt,
	}
}

// SerializeSnapshots 将统计信息序列化为JSON
func SerializeSnapshots(snaps []pool.Snapshot) ([]byte, error) {
	data := make([]SnapshotData, 0, len(snaps))
	for _, s := range snaps {
		data = append(data, NewSnapshotData(s))
	}
	return json.MarshalIndent(data, "", "  ")
}

// FormatSnapshot 返回统计信息的格式化字符串表示
func FormatSnapshot(s pool.Snapshot) string {
	var sb strings.Builder

	state := "up"
	if !s.Up {
		state = "down"
	}
	sb.WriteString(fmt.Sprintf("Pool: %s (%s)\n", s.Alias, state))
	sb.WriteString(fmt.Sprintf("Instance: %s\n", s.InstanceID))
	sb.WriteString(fmt.Sprintf("Size: %d/%d (minimum %d, spare target %d)\n",
		s.Total, s.MaximumSize, s.MinimumSize, s.SpareTarget))
	sb.WriteString(fmt.Sprintf("Connections: %d active, %d available, %d offline\n",
		s.Active, s.Available, s.Offline))
	if s.BeingBuilt > 0 {
		sb.WriteString(fmt.Sprintf("Being built: %d\n", s.BeingBuilt))
	}
	sb.WriteString(fmt.Sprintf("Created: %s\n", formatTimeAgo(s.CreatedAt, s.TakenAt)))
	sb.WriteString(fmt.Sprintf("Operations: %d served, %d refused\n", s.Served, s.Refused))

	if s.BuildFailures > 0 {
		sb.WriteString(fmt.Sprintf("Build failures: %d\n", s.BuildFailures))
	}
	if s.FatalErrors > 0 {
		sb.WriteString(fmt.Sprintf("Fatal errors: %d\n", s.FatalErrors))
	}
	if s.Expired > 0 {
		sb.WriteString(fmt.Sprintf("Expired: %d\n", s.Expired))
	}

	return sb.String()
}

// FormatSnapshotLine 返回统计信息的单行表示，用于列表输出
func FormatSnapshotLine(s pool.Snapshot) string {
	state := "up"
	if !s.Up {
		state = "down"
	}
	return fmt.Sprintf("%-16s %-4s total=%d/%d active=%d available=%d building=%d served=%d refused=%d",
		s.Alias, state, s.Total, s.MaximumSize, s.Active, s.Available, s.BeingBuilt, s.Served, s.Refused)
}

// FormatLease 返回借出记录的单行表示
func FormatLease(l LeaseInfo, now time.Time) string {
	line := fmt.Sprintf("%-20s %-8s borrowed %s", l.ID, l.Status, formatTimeAgo(l.Since, now))
	if l.Handles > 0 {
		line += fmt.Sprintf(", %d open handles", l.Handles)
	}
	return line
}

// formatTimeAgo 将时间格式化为人类可读的"多久之前"字符串
func formatTimeAgo(t, now time.Time) string {
	duration := now.Sub(t)

	seconds := int(duration.Seconds())
	if seconds < 60 {
		return fmt.Sprintf("%d seconds ago", seconds)
	}

	minutes := int(duration.Minutes())
	if minutes < 60 {
		return fmt.Sprintf("%d minutes ago", minutes)
	}

	hours := int(duration.Hours())
	if hours < 24 {
		return fmt.Sprintf("%d hours ago", hours)
	}

	days := int(duration.Hours() / 24)
	return fmt.Sprintf("%d days ago", days)
}

// ParseParams 解析形如 key=value,key2=value2 的参数字符串
func ParseParams(s string) (map[string]string, error) {
	if s == "" {
		return nil, nil
	}
	params := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q, want key=value", pair)
		}
		params[key] = strings.TrimSpace(value)
	}
	return params, nil
}
