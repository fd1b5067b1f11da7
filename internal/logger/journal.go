package logger

import (
	"io"
	"log"
	"strings"
	"sync"
)

// 成交日志：独立于主日志，按块记录每次触发/手动操作，便于复盘。
var (
	journalMu      sync.Mutex
	journalLog     *log.Logger
	journalVerbose bool
)

func SetJournalWriter(w io.Writer) {
	journalMu.Lock()
	defer journalMu.Unlock()
	if w == nil {
		journalLog = nil
		return
	}
	journalLog = log.New(w, "", log.LstdFlags)
}

// EnableJournalDetail adds the full position dump to every journal entry.
func EnableJournalDetail(enabled bool) {
	journalMu.Lock()
	journalVerbose = enabled
	journalMu.Unlock()
}

type journalSection struct {
	Title string
	Body  string
}

func writeJournal(kind, session, symbol string, sections []journalSection) {
	journalMu.Lock()
	logger := journalLog
	journalMu.Unlock()
	if logger == nil {
		return
	}
	var b strings.Builder
	b.WriteString("[JOURNAL]")
	for _, tag := range []string{kind, session, symbol} {
		if tag == "" {
			continue
		}
		b.WriteString("[")
		b.WriteString(tag)
		b.WriteString("]")
	}
	b.WriteString("\n")
	for _, sec := range sections {
		t := strings.TrimSpace(sec.Title)
		if t == "" {
			t = "EVENT"
		}
		b.WriteString("--- ")
		b.WriteString(t)
		b.WriteString(" ---\n")
		b.WriteString(sec.Body)
		if !strings.HasSuffix(sec.Body, "\n") {
			b.WriteString("\n")
		}
	}
	b.WriteString("=====\n")
	logger.Print(b.String())
}

// LogTrade records one trade event. detail is only written when detail
// logging is enabled.
func LogTrade(kind, session, symbol, summary, detail string) {
	// 主日志同步一条结构化记录，便于按 session/symbol 过滤
	With("component", "journal", "session", session, "symbol", symbol).
		Debug("trade", "kind", kind, "summary", summary)
	sections := []journalSection{{Title: "EVENT", Body: summary}}
	journalMu.Lock()
	verbose := journalVerbose
	journalMu.Unlock()
	if verbose && strings.TrimSpace(detail) != "" {
		sections = append(sections, journalSection{Title: "POSITION", Body: detail})
	}
	writeJournal(kind, session, symbol, sections)
}
