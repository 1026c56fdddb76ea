package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"example.com/h2stream/internal/message"
	"example.com/h2stream/internal/session"
)

type headerPair struct {
	name, value string
}

// requestSpec describes the request every fetch sends.
type requestSpec struct {
	method  string
	url     string
	data    string
	hasData bool
	json    bool
	headers []headerPair
	encoded []headerPair
	// output, when set, receives the payload through the stream body
	// instead of a buffered read.
	output string
}

func newRequestSpec(opts options, url string) (*requestSpec, error) {
	spec := &requestSpec{
		method:  opts.method,
		url:     url,
		data:    opts.data,
		hasData: opts.data != "",
		json:    opts.json,
		output:  opts.output,
	}
	if spec.method == "" {
		spec.method = http.MethodGet
		if spec.hasData {
			spec.method = http.MethodPost
		}
	}
	var err error
	if spec.headers, err = parseHeaders(opts.headers); err != nil {
		return nil, err
	}
	if spec.encoded, err = parseHeaders(opts.encodedHeaders); err != nil {
		return nil, err
	}
	return spec, nil
}

func parseHeaders(raw []string) ([]headerPair, error) {
	out := make([]headerPair, 0, len(raw))
	for _, h := range raw {
		name, value, ok := strings.Cut(h, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("malformed header %q, want \"Name: value\"", h)
		}
		out = append(out, headerPair{name: name, value: strings.TrimSpace(value)})
	}
	return out, nil
}

// outgoing builds a fresh message for one request.
func (r *requestSpec) outgoing() *message.Outgoing {
	out := message.NewOutgoing()
	for _, h := range r.headers {
		out.AddHeader(h.name, h.value)
	}
	for _, h := range r.encoded {
		out.SetEncodedHeader(h.name, h.value)
	}
	if r.json {
		out.SetHeader("content-type", message.ContentTypeJSON)
	}
	if r.hasData {
		out.SetData(r.data)
	}
	return out
}

type result struct {
	index   int
	status  string
	headers map[string][]string
	body    []byte
	written int64
	savedTo string
	elapsed time.Duration
	err     error
}

// fetchAll sends count requests, at most concurrency at a time. Failures
// are recorded per result rather than cancelling the rest.
func fetchAll(ctx context.Context, sess *session.Session, spec *requestSpec, count, concurrency int, timeout time.Duration) []result {
	results := make([]result, count)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i := 0; i < count; i++ {
		i := i
		g.Go(func() error {
			results[i] = fetchOne(gctx, sess, spec, timeout)
			results[i].index = i
			return nil
		})
	}
	g.Wait()
	return results
}

func fetchOne(ctx context.Context, sess *session.Session, spec *requestSpec, timeout time.Duration) result {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	in, err := sess.Do(ctx, spec.method, spec.url, spec.outgoing())
	if err != nil {
		return result{err: err, elapsed: time.Since(start)}
	}
	r := result{
		status:  in.GetHeader(":status"),
		headers: in.GetHeaders(),
	}
	if spec.output != "" {
		r.savedTo = spec.output
		r.written, r.err = saveBody(in, spec.output)
	} else {
		r.body, r.err = in.GetBuffer(ctx)
	}
	r.elapsed = time.Since(start)
	return r
}

// saveBody copies the payload into path as it arrives.
func saveBody(in *message.Incoming, path string) (int64, error) {
	body, err := in.Body()
	if err != nil {
		return 0, err
	}
	defer body.Close()

	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("creating output file: %w", err)
	}
	n, err := io.Copy(f, body)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("closing output file: %w", cerr)
	}
	return n, err
}

// report prints every result in request order and returns the combined
// errors.
func report(results []result, include bool, stdout, stderr io.Writer) error {
	var errs error
	for _, r := range results {
		if len(results) > 1 {
			fmt.Fprintf(stderr, "--- request %d (%s)\n", r.index+1, r.elapsed.Round(time.Millisecond))
		}
		if r.err != nil {
			fmt.Fprintf(stderr, "error: %v\n", r.err)
			errs = multierr.Append(errs, fmt.Errorf("request %d: %w", r.index+1, r.err))
			if r.status == "" {
				continue
			}
		}
		if include {
			fmt.Fprintf(stdout, "status: %s\n", r.status)
			names := make([]string, 0, len(r.headers))
			for name := range r.headers {
				if !strings.HasPrefix(name, ":") {
					names = append(names, name)
				}
			}
			sort.Strings(names)
			for _, name := range names {
				for _, v := range r.headers[name] {
					fmt.Fprintf(stdout, "%s: %s\n", name, v)
				}
			}
			fmt.Fprintln(stdout)
		}
		if r.savedTo != "" {
			if r.err == nil {
				fmt.Fprintf(stderr, "saved %d bytes to %s\n", r.written, r.savedTo)
			}
			continue
		}
		stdout.Write(r.body)
		if len(r.body) > 0 && r.body[len(r.body)-1] != '\n' {
			fmt.Fprintln(stdout)
		}
	}
	return errs
}
