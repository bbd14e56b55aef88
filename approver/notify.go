package approver

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"sort"
	"strings"
	"time"
)

// Notifier forwards decision events to an external sink.
type Notifier interface {
	NotifyDecision(decision DecisionRecord, timeout time.Duration) error
}

// SyslogNotifier sends one RFC 5424 line per decision to a TCP syslog
// collector. Delivery is best effort; the engine logs failures and keeps
// going.
type SyslogNotifier struct {
	addr    string
	appName string
}

func NewSyslogNotifier(addr string) *SyslogNotifier {
	return &SyslogNotifier{addr: addr, appName: "auto-approver"}
}

func (n *SyslogNotifier) NotifyDecision(decision DecisionRecord, timeout time.Duration) error {
	structured := buildStructuredData("approver", map[string]string{
		"action":    string(decision.Action),
		"job":       decision.JobID,
		"job_name":  decision.JobName,
		"signature": shortSignature(decision.Signature),
	})
	return n.send(structured, decision.Reason, timeout)
}

func (n *SyslogNotifier) send(structuredData, message string, timeout time.Duration) error {
	var conn net.Conn
	var err error
	if timeout > 0 {
		conn, err = net.DialTimeout("tcp", n.addr, timeout)
	} else {
		conn, err = net.Dial("tcp", n.addr)
	}
	if err != nil {
		return err
	}
	defer conn.Close()
	if timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}

	host, _ := os.Hostname()
	if host == "" {
		host = "-"
	}

	pri := 134 // local0.info
	ts := time.Now().UTC().Format(time.RFC3339Nano)

	line := fmt.Sprintf("<%d>1 %s %s %s - - %s %s\n", pri, ts, sanitizeSyslogToken(host), sanitizeSyslogToken(n.appName), structuredData, strings.TrimSpace(message))

	w := bufio.NewWriter(conn)
	if _, err := w.WriteString(line); err != nil {
		return err
	}
	return w.Flush()
}

func buildStructuredData(sdID string, kv map[string]string) string {
	if sdID == "" {
		sdID = "approver"
	}
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(sdID)
	preferredOrder := []string{"action", "job", "job_name", "signature", "requester"}
	seen := make(map[string]struct{}, len(kv))
	for _, k := range preferredOrder {
		v, ok := kv[k]
		if !ok {
			continue
		}
		if strings.TrimSpace(v) == "" {
			continue
		}
		seen[k] = struct{}{}
		b.WriteString(" ")
		b.WriteString(k)
		b.WriteString("=\"")
		b.WriteString(escapeSDParam(v))
		b.WriteString("\"")
	}
	extraKeys := make([]string, 0, len(kv))
	for k, v := range kv {
		if _, ok := seen[k]; ok {
			continue
		}
		if strings.TrimSpace(v) == "" {
			continue
		}
		extraKeys = append(extraKeys, k)
	}
	sort.Strings(extraKeys)
	for _, k := range extraKeys {
		v := kv[k]
		b.WriteString(" ")
		b.WriteString(k)
		b.WriteString("=\"")
		b.WriteString(escapeSDParam(v))
		b.WriteString("\"")
	}
	b.WriteString("]")
	return b.String()
}

func escapeSDParam(v string) string {
	v = strings.ReplaceAll(v, "\\", "\\\\")
	v = strings.ReplaceAll(v, "\"", "\\\"")
	v = strings.ReplaceAll(v, "]", "\\]")
	v = strings.ReplaceAll(v, "\n", " ")
	v = strings.ReplaceAll(v, "\r", " ")
	return v
}

func sanitizeSyslogToken(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "-"
	}
	s = strings.ReplaceAll(s, " ", "_")
	return s
}
