package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/hongjun500/clipsync/internal/coordinator"
	"github.com/hongjun500/clipsync/internal/protocol"
)

// WriterApplier 把收到的剪贴板内容逐行写到 w，命令行模式下代替系统剪贴板
func WriterApplier(w io.Writer) coordinator.Applier {
	var mu sync.Mutex
	return coordinator.ApplierFunc(func(_ context.Context, item coordinator.Item) error {
		mu.Lock()
		defer mu.Unlock()
		from := item.DeviceName
		if from == "" {
			from = item.DeviceID
		}
		if item.ContentType != protocol.ContentText {
			_, err := fmt.Fprintf(w, "[%s via %s] <%s, %d bytes>\n", from, item.Via, item.ContentType, len(item.Data))
			return err
		}
		_, err := fmt.Fprintf(w, "[%s via %s] %s\n", from, item.Via, item.Data)
		return err
	})
}

// CopyLines 把 r 的每一行当作一次本地复制，直到 EOF 或 ctx 结束
func (a *Agent) CopyLines(ctx context.Context, r io.Reader) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), protocol.MaxPayloadSize)
	for sc.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := sc.Text()
		if line == "" {
			continue
		}
		results, err := a.Copy(ctx, protocol.ClipboardPayload{
			ContentType: protocol.ContentText,
			Data:        []byte(line),
		})
		if err != nil {
			a.log.Warnw("copy_failed", "err", err)
			continue
		}
		for _, r := range results {
			if r.Err != nil {
				a.log.Warnw("copy_not_sent", "target", r.Target, "err", r.Err)
			}
		}
	}
	return sc.Err()
}
