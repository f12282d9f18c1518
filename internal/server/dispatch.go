package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"go.klb.dev/clipstash/internal/history"
	"go.klb.dev/clipstash/internal/message"
	"go.klb.dev/clipstash/internal/wire"
)

const usage = `Commands:
  add TEXT...       add items to history (or pipe data in)
  read [ROW...]     print item text (default row 0)
  list [LIMIT]      list history rows
  remove ROW...     delete items
  count             print number of items
  clipboard [MIME]  print current clipboard content
  selection [MIME]  print current selection content
  copy TEXT...      set the clipboard (or pipe data in)
  select ROW        copy a history item back to the clipboard
  clear             delete all items
  enable            resume capturing clipboard changes
  disable           stop capturing clipboard changes
  status            print server state
  version           print server version
  exit              terminate the server
  help              print this help
`

// dispatch executes one request and picks the final reply. The optional
// after func runs once the reply went out; exit uses it so the client hears
// back before the listener dies.
func (s *Server) dispatch(ctx context.Context, req request, c *wire.Conn) (message.Code, []byte, func()) {
	if len(req.args) == 0 {
		return message.CmdBadSyntax, []byte(usage), nil
	}
	cmd, rest := req.args[0], req.args[1:]

	var code message.Code
	var out []byte
	switch cmd {
	case "add":
		code, out = s.cmdAdd(ctx, rest, req.input)
	case "read":
		code, out = s.cmdRead(ctx, rest)
	case "list":
		code, out = s.cmdList(ctx, rest, c)
	case "remove":
		code, out = s.cmdRemove(ctx, rest)
	case "count", "size":
		code, out = s.cmdCount(ctx)
	case "clipboard":
		code, out = s.cmdBuffer(message.ModeClipboard, rest)
	case "selection":
		code, out = s.cmdBuffer(message.ModeSelection, rest)
	case "copy":
		code, out = s.cmdCopy(rest, req.input)
	case "select":
		code, out = s.cmdSelect(ctx, rest)
	case "clear":
		code, out = s.cmdClear(ctx)
	case "enable":
		code, out = s.cmdSetCapture(true)
	case "disable":
		code, out = s.cmdSetCapture(false)
	case "status":
		code, out = s.cmdStatus(ctx)
	case "version":
		code, out = message.CmdFinished, []byte("clipstash "+s.cfg.Version+"\n")
	case "exit":
		return message.CmdFinished, []byte("Terminating server.\n"), s.Shutdown
	case "help", "--help", "-h":
		code, out = message.CmdFinished, []byte(usage)
	default:
		code, out = message.CmdBadSyntax, fmt.Appendf(nil, "unknown command %q\n\n%s", cmd, usage)
	}
	return code, out, nil
}

// cmdAdd inserts each argument as its own item, or the piped input as one.
// The last one added ends up at row 0.
func (s *Server) cmdAdd(ctx context.Context, args []string, input []byte) (message.Code, []byte) {
	var snaps []message.Snapshot
	switch {
	case len(args) > 0:
		for _, text := range args {
			snaps = append(snaps, message.NewText(text))
		}
	case len(input) > 0:
		snaps = append(snaps, message.Snapshot{message.FormatText: input})
	default:
		return message.CmdBadSyntax, []byte("add: need text arguments or piped input")
	}
	for _, snap := range snaps {
		if _, _, err := s.store.Add(ctx, snap); err != nil {
			return message.CmdError, []byte("add: " + err.Error())
		}
	}
	return message.CmdFinished, nil
}

func (s *Server) cmdRead(ctx context.Context, args []string) (message.Code, []byte) {
	rows, err := parseRows(args)
	if err != nil {
		return message.CmdBadSyntax, []byte("read: " + err.Error())
	}
	if len(rows) == 0 {
		rows = []int{0}
	}
	var out bytes.Buffer
	for i, row := range rows {
		item, err := s.store.Get(ctx, row)
		if errors.Is(err, history.ErrNotFound) {
			continue
		}
		if err != nil {
			return message.CmdError, []byte("read: " + err.Error())
		}
		if i > 0 {
			out.WriteByte('\n')
		}
		out.Write(item.Snapshot[message.FormatText])
	}
	return message.CmdFinished, out.Bytes()
}

// cmdList streams one print frame per row so huge histories never buffer in
// full on either side.
func (s *Server) cmdList(ctx context.Context, args []string, c *wire.Conn) (message.Code, []byte) {
	limit := 0
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 0 {
			return message.CmdBadSyntax, fmt.Appendf(nil, "list: bad limit %q", args[0])
		}
		limit = n
	}
	items, err := s.store.List(ctx, limit)
	if err != nil {
		return message.CmdError, []byte("list: " + err.Error())
	}
	for _, item := range items {
		line := fmt.Sprintf("%d. %s\n", item.Row, preview(item.Snapshot))
		if err := c.Send(message.CmdPrint, []byte(line)); err != nil {
			break
		}
	}
	return message.CmdFinished, nil
}

func (s *Server) cmdRemove(ctx context.Context, args []string) (message.Code, []byte) {
	rows, err := parseRows(args)
	if err != nil {
		return message.CmdBadSyntax, []byte("remove: " + err.Error())
	}
	if len(rows) == 0 {
		return message.CmdBadSyntax, []byte("remove: need at least one row")
	}
	if _, err := s.store.Remove(ctx, rows); err != nil {
		return message.CmdError, []byte("remove: " + err.Error())
	}
	return message.CmdFinished, nil
}

func (s *Server) cmdCount(ctx context.Context) (message.Code, []byte) {
	n, err := s.store.Count(ctx)
	if err != nil {
		return message.CmdError, []byte("count: " + err.Error())
	}
	return message.CmdFinished, []byte(strconv.Itoa(n) + "\n")
}

// cmdBuffer prints the latest known content of a clipboard buffer, in the
// requested format. This reads the server's cache, not the OS clipboard, so
// it answers even while the monitor is down.
func (s *Server) cmdBuffer(mode message.Mode, args []string) (message.Code, []byte) {
	format := message.FormatText
	if len(args) > 0 {
		format = args[0]
	}
	s.mu.RLock()
	snap := s.latest[mode]
	s.mu.RUnlock()
	return message.CmdFinished, snap[format]
}

// cmdCopy hands new clipboard content to the monitor. The owner tag lets the
// change echo be recognized as ours.
func (s *Server) cmdCopy(args []string, input []byte) (message.Code, []byte) {
	var snap message.Snapshot
	switch {
	case len(args) > 0:
		snap = message.NewText(strings.Join(args, " "))
	case len(input) > 0:
		snap = message.Snapshot{message.FormatText: input}
	default:
		return message.CmdBadSyntax, []byte("copy: need text arguments or piped input")
	}
	snap[message.FormatOwner] = []byte(s.instanceID)
	if err := s.monitor.sendChange(message.ModeClipboard, snap); err != nil {
		return message.CmdError, []byte("copy: " + err.Error())
	}
	return message.CmdFinished, nil
}

// cmdSelect copies a stored item back to the clipboard. The change echo then
// moves it to row 0 through the usual dedup path.
func (s *Server) cmdSelect(ctx context.Context, args []string) (message.Code, []byte) {
	if len(args) != 1 {
		return message.CmdBadSyntax, []byte("select: need exactly one row")
	}
	row, err := strconv.Atoi(args[0])
	if err != nil || row < 0 {
		return message.CmdBadSyntax, fmt.Appendf(nil, "select: bad row %q", args[0])
	}
	item, err := s.store.Get(ctx, row)
	if errors.Is(err, history.ErrNotFound) {
		return message.CmdError, fmt.Appendf(nil, "select: no item at row %d", row)
	}
	if err != nil {
		return message.CmdError, []byte("select: " + err.Error())
	}
	snap := item.Snapshot.Clone()
	delete(snap, message.FormatMode)
	delete(snap, message.FormatWindowTitle)
	snap[message.FormatOwner] = []byte(s.instanceID)
	if err := s.monitor.sendChange(message.ModeClipboard, snap); err != nil {
		return message.CmdError, []byte("select: " + err.Error())
	}
	return message.CmdFinished, nil
}

func (s *Server) cmdClear(ctx context.Context) (message.Code, []byte) {
	if _, err := s.store.Clear(ctx); err != nil {
		return message.CmdError, []byte("clear: " + err.Error())
	}
	return message.CmdFinished, nil
}

func (s *Server) cmdSetCapture(on bool) (message.Code, []byte) {
	s.mu.Lock()
	s.monitoring = on
	s.mu.Unlock()
	s.log.Info("clipboard capture toggled", "enabled", on)
	return message.CmdFinished, nil
}

func (s *Server) cmdStatus(ctx context.Context) (message.Code, []byte) {
	count, err := s.store.Count(ctx)
	if err != nil {
		return message.CmdError, []byte("status: " + err.Error())
	}
	s.mu.RLock()
	capture := s.monitoring
	s.mu.RUnlock()

	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "session:\t%s\n", sessionName(s.cfg.Session))
	fmt.Fprintf(w, "version:\t%s\n", s.cfg.Version)
	fmt.Fprintf(w, "instance:\t%s\n", s.instanceID)
	fmt.Fprintf(w, "uptime:\t%s\n", time.Since(s.startedAt).Round(time.Second))
	fmt.Fprintf(w, "items:\t%d\n", count)
	fmt.Fprintf(w, "capture:\t%s\n", onOff(capture))
	fmt.Fprintf(w, "monitor:\t%s\n", connState(s.monitor.connected()))
	fmt.Fprintf(w, "socket:\t%s\n", s.cfg.SocketPath)
	fmt.Fprintf(w, "history:\t%s\n", s.store.Path())
	_ = w.Flush()
	return message.CmdFinished, buf.Bytes()
}

func onOff(on bool) string {
	if on {
		return "enabled"
	}
	return "disabled"
}

func connState(up bool) string {
	if up {
		return "connected"
	}
	return "disconnected"
}

func parseRows(args []string) ([]int, error) {
	rows := make([]int, 0, len(args))
	for _, arg := range args {
		n, err := strconv.Atoi(arg)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("bad row %q", arg)
		}
		rows = append(rows, n)
	}
	return rows, nil
}

// preview renders one history row for list output: first 64 runes of the
// text with newlines escaped, or the format names for text-free items.
func preview(snap message.Snapshot) string {
	text := snap.Text()
	if text == "" {
		return "<" + strings.Join(nonReserved(snap), ", ") + ">"
	}
	text = strings.ReplaceAll(text, "\n", `\n`)
	if runes := []rune(text); len(runes) > 64 {
		text = string(runes[:64]) + "..."
	}
	return text
}

func nonReserved(snap message.Snapshot) []string {
	formats := make([]string, 0, len(snap))
	for _, format := range snap.Formats() {
		if !message.ReservedFormat(format) {
			formats = append(formats, format)
		}
	}
	return formats
}
