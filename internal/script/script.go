// Package script interprets the line-oriented command language of the
// spibridge shell against one bridge.
//
//	begin
//	savepoint            -- prints $1
//	savepoint before_insert
//	exec insert into t values (1)
//	rollback to before_insert
//	query select * from t  -- rows print as #1, #2, ...
//	get #1 name
//	release $1
//	commit
//
// Savepoints are referenced as $n, in creation order, or by name. Tuples are
// referenced as #n, in the order queries produced them.
package script

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/alexhholmes/spibridge"
)

var (
	ErrNoTransaction  = errors.New("no transaction; use begin")
	ErrUnknownCommand = errors.New("unknown command")
	ErrBadReference   = errors.New("bad reference")
	ErrUsage          = errors.New("usage")
)

// Session is an interpreter over one bridge. It is not safe for concurrent
// use.
type Session struct {
	b   *spibridge.Bridge
	out io.Writer

	tx     *spibridge.Tx
	sps    []*spibridge.Savepoint // $n is sps[n-1]
	tuples []*spibridge.Tuple     // #n is tuples[n-1]
}

// New returns a session writing results to out.
func New(b *spibridge.Bridge, out io.Writer) *Session {
	return &Session{b: b, out: out}
}

// InTx reports whether the session has an open transaction.
func (s *Session) InTx() bool { return s.tx != nil }

// Run executes r line by line and stops at the first failing line.
func (s *Session) Run(r io.Reader) error {
	sc := bufio.NewScanner(r)
	n := 0
	for sc.Scan() {
		n++
		if err := s.Exec(sc.Text()); err != nil {
			return fmt.Errorf("line %d: %w", n, err)
		}
	}
	return sc.Err()
}

// Exec runs one command line. Blank lines and lines starting with "--" are
// ignored.
func (s *Session) Exec(line string) error {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "--") {
		return nil
	}

	verb, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch strings.ToLower(verb) {
	case "begin":
		return s.begin()
	case "commit":
		return s.end(true)
	case "rollback":
		if target, ok := cutKeyword(rest, "to"); ok {
			return s.rollbackTo(target)
		}
		if rest != "" {
			return fmt.Errorf("%w: rollback [to <savepoint>]", ErrUsage)
		}
		return s.end(false)
	case "savepoint":
		return s.savepoint(rest)
	case "release":
		return s.release(rest)
	case "savepoints":
		return s.listSavepoints()
	case "exec":
		return s.exec(rest)
	case "query":
		return s.query(rest)
	case "get":
		return s.get(rest)
	case "stats":
		return s.stats()
	default:
		return fmt.Errorf("%w: %s", ErrUnknownCommand, verb)
	}
}

// Close rolls back an open transaction.
func (s *Session) Close() error {
	if s.tx == nil {
		return nil
	}
	return s.end(false)
}

func (s *Session) begin() error {
	tx, err := s.b.Begin()
	if err != nil {
		return err
	}
	s.tx = tx
	s.sps = nil
	s.tuples = nil
	s.printf("BEGIN %s\n", tx.ID())
	return nil
}

func (s *Session) end(commit bool) error {
	if s.tx == nil {
		return ErrNoTransaction
	}
	tx := s.tx
	s.tx = nil

	if commit {
		if err := tx.Commit(); err != nil {
			return err
		}
		s.printf("COMMIT\n")
		return nil
	}
	if err := tx.Rollback(); err != nil {
		return err
	}
	s.printf("ROLLBACK\n")
	return nil
}

func (s *Session) savepoint(name string) error {
	if s.tx == nil {
		return ErrNoTransaction
	}

	var sp *spibridge.Savepoint
	var err error
	if name == "" {
		sp, err = s.tx.SetSavepoint()
	} else {
		sp, err = s.tx.SetNamedSavepoint(name)
	}
	if err != nil {
		return err
	}
	s.sps = append(s.sps, sp)
	s.printf("$%d %s\n", len(s.sps), sp)
	return nil
}

func (s *Session) release(ref string) error {
	sp, err := s.savepointRef(ref)
	if err != nil {
		return err
	}
	if err := s.tx.ReleaseSavepoint(sp); err != nil {
		return err
	}
	s.printf("RELEASE %s\n", sp)
	return nil
}

func (s *Session) rollbackTo(ref string) error {
	sp, err := s.savepointRef(ref)
	if err != nil {
		return err
	}
	if err := s.tx.RollbackToSavepoint(sp); err != nil {
		return err
	}
	s.printf("ROLLBACK TO %s\n", sp)
	return nil
}

// savepointRef resolves $n or a savepoint name.
func (s *Session) savepointRef(ref string) (*spibridge.Savepoint, error) {
	if s.tx == nil {
		return nil, ErrNoTransaction
	}
	if ref == "" {
		return nil, fmt.Errorf("%w: savepoint reference required", ErrUsage)
	}
	if n, ok := strings.CutPrefix(ref, "$"); ok {
		i, err := strconv.Atoi(n)
		if err != nil || i < 1 || i > len(s.sps) {
			return nil, fmt.Errorf("%w: %s", ErrBadReference, ref)
		}
		return s.sps[i-1], nil
	}
	if sp := s.tx.LookupSavepoint(ref); sp != nil {
		return sp, nil
	}
	// A savepoint that left the stack is still addressable by name so its
	// terminal state can be reported.
	for i := len(s.sps) - 1; i >= 0; i-- {
		if s.sps[i].Kind() == spibridge.NamedSavepoint && s.sps[i].Name() == ref {
			return s.sps[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrBadReference, ref)
}

func (s *Session) listSavepoints() error {
	t := s.table()
	t.AppendHeader(table.Row{"ref", "kind", "id", "name", "state"})
	for i, sp := range s.sps {
		id := "-"
		if v, err := sp.ID(); err == nil {
			id = strconv.FormatInt(v, 10)
		}
		t.AppendRow(table.Row{fmt.Sprintf("$%d", i+1), sp.Kind(), id, sp.Name(), sp.State()})
	}
	t.Render()
	return nil
}

func (s *Session) exec(query string) error {
	if s.tx == nil {
		return ErrNoTransaction
	}
	n, err := s.tx.Exec(query)
	if err != nil {
		return err
	}
	s.printf("%d rows affected\n", n)
	return nil
}

func (s *Session) query(query string) error {
	if s.tx == nil {
		return ErrNoTransaction
	}
	tuples, desc, err := s.tx.Query(query)
	if err != nil {
		return err
	}

	t := s.table()
	header := table.Row{"#"}
	for _, c := range desc.Columns() {
		header = append(header, c.Name)
	}
	t.AppendHeader(header)

	for _, tup := range tuples {
		s.tuples = append(s.tuples, tup)
		row := table.Row{fmt.Sprintf("#%d", len(s.tuples))}
		for i := 1; i <= desc.NumColumns(); i++ {
			v, err := s.tx.GetValue(tup, desc, i)
			if err != nil {
				return err
			}
			row = append(row, v.String())
		}
		t.AppendRow(row)
	}
	t.AppendFooter(table.Row{fmt.Sprintf("(%d rows)", len(tuples))})
	t.Render()
	return nil
}

// get reads one column: get #n <index|name>.
func (s *Session) get(args string) error {
	if s.tx == nil {
		return ErrNoTransaction
	}
	ref, col, ok := strings.Cut(args, " ")
	col = strings.TrimSpace(col)
	if !ok || col == "" {
		return fmt.Errorf("%w: get #<tuple> <column>", ErrUsage)
	}

	n, ok := strings.CutPrefix(ref, "#")
	i, err := strconv.Atoi(n)
	if !ok || err != nil || i < 1 || i > len(s.tuples) {
		return fmt.Errorf("%w: %s", ErrBadReference, ref)
	}
	tup := s.tuples[i-1]

	var v spibridge.Value
	if idx, err := strconv.Atoi(col); err == nil {
		v, err = s.tx.GetValue(tup, tup.Descriptor(), idx)
		if err != nil {
			return err
		}
	} else {
		v, err = s.tx.GetValueByName(tup, col)
		if err != nil {
			return err
		}
	}
	s.printf("%s\n", v)
	return nil
}

func (s *Session) stats() error {
	st := s.b.Stats()
	t := s.table()
	t.AppendHeader(table.Row{"stat", "value"})
	t.AppendRows([]table.Row{
		{"lock acquisitions", st.LockAcquisitions},
		{"lock contended", st.LockContended},
		{"lock waited", st.LockWaited},
		{"live handles", st.LiveHandles},
		{"free slots", st.FreeSlots},
		{"open epochs", st.OpenEpochs},
	})
	t.Render()
	return nil
}

func (s *Session) table() table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(s.out)
	t.SetStyle(table.StyleLight)
	return t
}

func (s *Session) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(s.out, format, args...)
}

// cutKeyword reports whether s starts with the word kw and returns the rest.
func cutKeyword(s, kw string) (string, bool) {
	word, rest, _ := strings.Cut(s, " ")
	if !strings.EqualFold(word, kw) {
		return "", false
	}
	return strings.TrimSpace(rest), true
}
