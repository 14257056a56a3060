// Package capture dumps datagrams seen by the balancer to a pcap file.
package capture

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// Writer appends raw IPv4 datagrams to a pcap stream.
type Writer struct {
	file *os.File
	buf  *bufio.Writer
	w    *pcapgo.Writer
	snap int
}

// Open creates (or truncates) path and writes the pcap file header.
func Open(path string, snapLen int) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create capture file %s: %w", path, err)
	}

	w, err := newWriter(f, snapLen)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write capture header to %s: %w", path, err)
	}
	w.file = f
	return w, nil
}

func newWriter(out io.Writer, snapLen int) (*Writer, error) {
	buf := bufio.NewWriter(out)
	w := pcapgo.NewWriter(buf)
	if err := w.WriteFileHeader(uint32(snapLen), layers.LinkTypeRaw); err != nil {
		return nil, err
	}
	return &Writer{buf: buf, w: w, snap: snapLen}, nil
}

// Write records one datagram observed at ts. Datagrams longer than the snap
// length are truncated in the capture.
func (w *Writer) Write(data []byte, ts time.Time) error {
	captured := data
	if w.snap > 0 && len(captured) > w.snap {
		captured = captured[:w.snap]
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     ts,
		CaptureLength: len(captured),
		Length:        len(data),
	}
	return w.w.WritePacket(ci, captured)
}

// Close flushes buffered records and closes the file.
func (w *Writer) Close() error {
	flushErr := w.buf.Flush()
	if w.file == nil {
		return flushErr
	}
	if err := w.file.Close(); err != nil {
		return err
	}
	return flushErr
}
