package streamparser

import (
	"testing"
	"time"
)

// feedInChunks writes data to p one slice at a time according to sizes,
// cycling through sizes as needed to cover all of data — used to prove
// the parser doesn't care where a marker-delimited payload is split
// across reads.
func feedInChunks(p *Parser, data string, sizes []int) {
	i := 0
	s := 0
	for i < len(data) {
		n := sizes[s%len(sizes)]
		s++
		if i+n > len(data) {
			n = len(data) - i
		}
		p.FeedStdout([]byte(data[i : i+n]))
		i += n
	}
}

func TestChunkedFeedProducesExactlyOneOutput(t *testing.T) {
	cases := []struct {
		name  string
		sizes []int
	}{
		{"byte-at-a-time", []int{1}},
		{"uneven-chunks", []int{3, 7, 1, 13, 2}},
		{"whole-buffer", []int{4096}},
	}
	payload := "OUTPUT_START\n{\"status\":\"success\",\"result\":\"hello\"}\nOUTPUT_END\n"

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			outputs := make(chan Output, 4)
			p := New(Config{}, func(o Output) <-chan struct{} {
				outputs <- o
				return nil
			})
			feedInChunks(p, payload, tc.sizes)

			select {
			case out := <-outputs:
				if out.Status != "success" || out.Result == nil || *out.Result != "hello" {
					t.Fatalf("unexpected output: %+v", out)
				}
			case <-time.After(time.Second):
				t.Fatal("expected one output event")
			}
			select {
			case extra := <-outputs:
				t.Fatalf("expected exactly one output event, got extra: %+v", extra)
			default:
			}
		})
	}
}

func TestTruncationNeverSplitsALine(t *testing.T) {
	p := New(Config{MaxBytes: 20}, nil)
	p.FeedStdout([]byte("0123456789\n"))  // 11 bytes, fits under the cap
	p.FeedStdout([]byte("abcdefghij\n")) // would push the buffer to 22 > 20

	st := p.GetState()
	if !st.StdoutTruncated {
		t.Fatal("expected truncation flag to be set")
	}
	if st.Stdout != "0123456789\n" {
		t.Fatalf("truncation split a line: got %q", st.Stdout)
	}
}

func TestTruncationNeverSplitsAMarkerLine(t *testing.T) {
	// The marker lines themselves exceed the cap once combined with the
	// first line already buffered, so OUTPUT_END must be dropped whole,
	// not partially written.
	p := New(Config{MaxBytes: 14}, nil)
	p.FeedStdout([]byte("OUTPUT_START\n")) // 13 bytes, fits
	p.FeedStdout([]byte("OUTPUT_END\n"))   // would exceed the cap

	st := p.GetState()
	if !st.StdoutTruncated {
		t.Fatal("expected truncation flag to be set")
	}
	if st.Stdout != "OUTPUT_START\n" {
		t.Fatalf("truncation split a marker line: got %q", st.Stdout)
	}
}

func TestInvalidOutputFailsSchemaValidation(t *testing.T) {
	outputs := make(chan Output, 1)
	p := New(Config{}, func(o Output) <-chan struct{} {
		outputs <- o
		return nil
	})
	p.FeedStdout([]byte("OUTPUT_START\n{\"result\":\"missing status\"}\nOUTPUT_END\n"))

	select {
	case out := <-outputs:
		if out.Status != "error" {
			t.Fatalf("expected error output for schema mismatch, got %+v", out)
		}
	case <-time.After(time.Second):
		t.Fatal("expected an error output event")
	}
}

func TestStartupTimeoutFiresWithNoOutput(t *testing.T) {
	p := New(Config{StartupTimeout: 20 * time.Millisecond}, nil)
	fired := make(chan struct{})
	p.Start(func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("expected startup timeout to fire")
	}
	out := p.TimeoutResult()
	if out.Status != "error" {
		t.Fatalf("expected error result with no prior output, got %+v", out)
	}
}

func TestStartupTimeoutDoesNotFireAfterOutput(t *testing.T) {
	p := New(Config{StartupTimeout: 30 * time.Millisecond}, nil)
	fired := make(chan struct{})
	p.Start(func() { close(fired) })
	p.FeedStdout([]byte("OUTPUT_START\n{\"status\":\"success\"}\nOUTPUT_END\n"))

	select {
	case <-fired:
		t.Fatal("startup timeout should not fire once output has arrived")
	case <-time.After(60 * time.Millisecond):
	}
}

func TestIdleTimeoutFiresAfterOutputSettles(t *testing.T) {
	p := New(Config{IdleTimeout: 20 * time.Millisecond}, nil)
	fired := make(chan struct{})
	p.Start(func() { close(fired) })
	p.FeedStdout([]byte("OUTPUT_START\n{\"status\":\"success\"}\nOUTPUT_END\n"))

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("expected idle timeout to fire once no further output arrives")
	}
	out := p.TimeoutResult()
	if out.Status != "success" {
		t.Fatalf("expected success result with prior output, got %+v", out)
	}
}

func TestIdleTimeoutDoesNotFireWhileOutputKeepsArriving(t *testing.T) {
	p := New(Config{IdleTimeout: 40 * time.Millisecond}, nil)
	fired := make(chan struct{})
	p.Start(func() { close(fired) })

	for i := 0; i < 3; i++ {
		p.FeedStdout([]byte("OUTPUT_START\n{\"status\":\"success\"}\nOUTPUT_END\n"))
		time.Sleep(20 * time.Millisecond)
	}
	select {
	case <-fired:
		t.Fatal("idle timeout fired despite continuous output")
	default:
	}
}
