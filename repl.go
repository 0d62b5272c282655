package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"lana/internal/node"
	"lana/internal/vfs"
	"lana/internal/wire/session"
)

const replHelp = `
  publish <host path> <virtual path>     Share a file or directory
  unpublish <virtual path>               Stop sharing
  ls [virtual path]                      List the local tree
  ls <peer> [virtual path]               List a peer's tree
  get <peer> <virtual path> [dest] [--offset N]
                                         Download a file
  peers                                  Known peers
  connect <host[:port]>                  Open a session
  disconnect <peer>                      Close a session
  announce                               Ask the LAN for peers
  name [new name]                        Show or change the display name
  exit                                   Quit

  <peer> is an address or a display name.`

const requestTimeout = 15 * time.Second

func runInteractive(ctx context.Context, n *node.Node, sessionPort int) {
	fmt.Println("Ready. Type 'help' for commands, Ctrl-C to exit.")
	fmt.Println()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		fmt.Print("lana> ")
		var line string
		select {
		case <-ctx.Done():
			fmt.Println("\nBye.")
			return
		case l, ok := <-lines:
			if !ok {
				fmt.Println("\nBye.")
				return
			}
			line = strings.TrimSpace(l)
		}
		if line == "" {
			continue
		}
		parts := splitArgs(line)
		cmd := strings.ToLower(parts[0])
		rest := parts[1:]

		var err error
		switch cmd {
		case "exit", "quit", "q":
			fmt.Println("Bye.")
			return
		case "help", "h", "?":
			fmt.Println(replHelp)
		case "publish":
			err = doPublish(ctx, n, rest)
		case "unpublish":
			if len(rest) != 1 {
				err = errors.New("usage: unpublish <virtual path>")
				break
			}
			err = n.Unpublish(rest[0])
		case "ls", "dir":
			err = doList(ctx, n, rest)
		case "get", "download":
			err = doGet(ctx, n, rest)
		case "peers":
			printPeers(n.Peers())
		case "connect":
			if len(rest) != 1 {
				err = errors.New("usage: connect <host[:port]>")
				break
			}
			cctx, cancel := context.WithTimeout(ctx, requestTimeout)
			_, err = n.Connect(cctx, withPort(rest[0], sessionPort))
			cancel()
		case "disconnect":
			if len(rest) != 1 {
				err = errors.New("usage: disconnect <peer>")
				break
			}
			err = n.Disconnect(resolvePeer(n, rest[0]))
		case "announce":
			err = n.Announce()
		case "name":
			if len(rest) > 0 {
				n.SetName(strings.Join(rest, " "))
			}
			fmt.Printf("  Name: %s\n", n.Name())
		default:
			fmt.Printf("  Unknown command: '%s'  (type 'help')\n", cmd)
		}
		if err != nil {
			fmt.Printf("  Error: %v\n", err)
		}
	}
}

func splitArgs(line string) []string {
	// simple shell-like split: respect "quoted strings"
	var parts []string
	var cur strings.Builder
	inQ := false
	for _, c := range line {
		switch {
		case c == '"':
			inQ = !inQ
		case (c == ' ' || c == '\t') && !inQ:
			if cur.Len() > 0 {
				parts = append(parts, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(c)
		}
	}
	if cur.Len() > 0 {
		parts = append(parts, cur.String())
	}
	return parts
}

// parsePublish splits a HOST=VPATH startup argument.
func parsePublish(s string) (host, vpath string, err error) {
	i := strings.LastIndex(s, "=")
	if i <= 0 || i == len(s)-1 {
		return "", "", fmt.Errorf("publish %q: want HOST=VPATH", s)
	}
	return s[:i], s[i+1:], nil
}

// withPort appends the session port when addr carries none.
func withPort(addr string, port int) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, strconv.Itoa(port))
}

// resolvePeer maps a display name to its address. Anything else is taken
// as an address.
func resolvePeer(n *node.Node, who string) string {
	for _, p := range n.Peers() {
		if p.Addr == who {
			return who
		}
	}
	for _, p := range n.Peers() {
		if strings.EqualFold(p.Name, who) {
			return p.Addr
		}
	}
	return who
}

func doPublish(ctx context.Context, n *node.Node, args []string) error {
	if len(args) != 2 {
		return errors.New("usage: publish <host path> <virtual path>")
	}
	if err := n.Publish(ctx, args[0], args[1]); err != nil {
		return err
	}
	fmt.Printf("  Published %s at %s\n", args[0], args[1])
	return nil
}

func doList(ctx context.Context, n *node.Node, args []string) error {
	if len(args) == 0 || strings.HasPrefix(args[0], "/") {
		vpath := "/"
		if len(args) > 0 {
			vpath = args[0]
		}
		entries, err := n.List(vpath)
		if err != nil {
			return err
		}
		printEntries(localRows(entries))
		return nil
	}

	vpath := "/"
	if len(args) > 1 {
		vpath = args[1]
	}
	qctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	entries, err := n.ListDirectory(qctx, resolvePeer(n, args[0]), vpath)
	if err != nil {
		return err
	}
	printEntries(remoteRows(entries))
	return nil
}

type row struct {
	dir  bool
	name string
	size int64
}

func localRows(entries []vfs.Entry) []row {
	out := make([]row, len(entries))
	for i, e := range entries {
		out[i] = row{dir: e.Kind == vfs.Directory, name: e.Name, size: e.Size}
	}
	return out
}

func remoteRows(entries []session.Entry) []row {
	out := make([]row, len(entries))
	for i, e := range entries {
		out[i] = row{dir: e.Type == session.EntryDirectory, name: e.Name, size: int64(e.Size)}
	}
	return out
}

func printEntries(rows []row) {
	if len(rows) == 0 {
		fmt.Println("  (empty)")
		return
	}
	for _, r := range rows {
		if r.dir {
			fmt.Printf("  %-40s  %d items\n", r.name+"/", r.size)
		} else {
			fmt.Printf("  %-40s  %s\n", r.name, strings.TrimSpace(fmtSize(float64(r.size))))
		}
	}
}

func printPeers(peers []node.PeerInfo) {
	if len(peers) == 0 {
		fmt.Println("  No peers yet. Try 'announce' or 'connect'.")
		return
	}
	fmt.Printf("\n  %-20s  %-22s  STATE\n", "NAME", "ADDRESS")
	fmt.Println("  " + strings.Repeat("-", 56))
	for _, p := range peers {
		name := p.Name
		if name == "" {
			name = "-"
		}
		fmt.Printf("  %-20s  %-22s  %s\n", name, p.Addr, p.State)
	}
	fmt.Println()
}

// getArgs parses "<peer> <vpath> [dest] [--offset N]".
func getArgs(args []string) (who, vpath, dest string, offset uint32, err error) {
	var pos []string
	for i := 0; i < len(args); i++ {
		if args[i] == "--offset" {
			if i+1 >= len(args) {
				return "", "", "", 0, errors.New("--offset needs a value")
			}
			v, perr := strconv.ParseUint(args[i+1], 10, 32)
			if perr != nil {
				return "", "", "", 0, fmt.Errorf("bad offset %q", args[i+1])
			}
			offset = uint32(v)
			i++
			continue
		}
		pos = append(pos, args[i])
	}
	if len(pos) < 2 || len(pos) > 3 {
		return "", "", "", 0, errors.New("usage: get <peer> <virtual path> [dest] [--offset N]")
	}
	who, vpath = pos[0], pos[1]
	dest = path.Base(vpath)
	if len(pos) == 3 {
		dest = pos[2]
	}
	return who, vpath, dest, offset, nil
}

func doGet(ctx context.Context, n *node.Node, args []string) error {
	who, vpath, dest, offset, err := getArgs(args)
	if err != nil {
		return err
	}
	addr := resolvePeer(n, who)

	rctx, cancel := context.WithTimeout(ctx, requestTimeout)
	size := remoteSize(rctx, n, addr, vpath)
	d, err := n.Download(rctx, addr, vpath, offset)
	cancel()
	if err != nil {
		return err
	}
	defer d.Close()
	stop := context.AfterFunc(ctx, func() { d.Close() })
	defer stop()

	flags := os.O_CREATE | os.O_WRONLY
	if offset == 0 {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(dest, flags, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Seek(int64(offset), io.SeekStart); err != nil {
		return err
	}

	prog := newProgress(path.Base(vpath), max64(size-int64(offset), 0))
	t0 := time.Now()
	written, err := io.Copy(io.MultiWriter(f, prog), d)
	if err != nil {
		fmt.Fprintln(os.Stderr)
		return fmt.Errorf("download interrupted after %s: %w", strings.TrimSpace(fmtSize(float64(written))), err)
	}
	prog.Finish()

	abs, _ := filepath.Abs(dest)
	dt := time.Since(t0).Seconds()
	var speed float64
	if dt > 0 {
		speed = float64(written) / dt
	}
	fmt.Printf("  Done  %s in %s  (%s/s)  -> %s\n",
		strings.TrimSpace(fmtSize(float64(written))), fmtTime(dt), strings.TrimSpace(fmtSize(speed)), abs)
	return nil
}

// remoteSize looks vpath up in its parent listing. Zero means unknown.
func remoteSize(ctx context.Context, n *node.Node, addr, vpath string) int64 {
	entries, err := n.ListDirectory(ctx, addr, path.Dir(vpath))
	if err != nil {
		return 0
	}
	base := path.Base(vpath)
	for _, e := range entries {
		if e.Name == base && e.Type == session.EntryFile {
			return int64(e.Size)
		}
	}
	return 0
}
