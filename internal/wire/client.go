package wire

import (
	"bufio"
	"fmt"
	"io"
)

// Client is the node-side half of the IPC protocol: a thin wrapper around a
// (read, write) pipe pair to the switch's broker. Every request flushes
// before awaiting a reply, and every read refills the buffered reader
// before attempting to decode, per the framing contract.
type Client struct {
	r *bufio.Reader
	w *bufio.Writer
	c io.Closer
}

// NewClient builds a Client from the node's read and write pipe ends. w is
// closed (via wc, if non-nil) when the client is closed, releasing the
// write end of the pipe to the switch.
func NewClient(r io.Reader, w io.Writer, wc io.Closer) *Client {
	return &Client{
		r: bufio.NewReader(r),
		w: bufio.NewWriter(w),
		c: wc,
	}
}

// Send writes m and flushes immediately; the protocol is strictly
// request/response so nothing is ever batched.
func (c *Client) Send(m Message) error {
	if err := Encode(c.w, m); err != nil {
		return err
	}

	if err := c.w.Flush(); err != nil {
		return fmt.Errorf("flush request: %w", err)
	}

	return nil
}

// Recv reads and decodes the next reply frame.
func (c *Client) Recv() (Message, error) {
	m, err := Decode(c.r)
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return Message{}, fmt.Errorf("broken pipe: %w", err)
		}

		return Message{}, err
	}

	return m, nil
}

// Close releases the client's write end of the pipe, if one was provided.
func (c *Client) Close() error {
	if c.c == nil {
		return nil
	}

	return c.c.Close()
}
