package fetcher

import (
	"bytes"
	"fmt"
	"os"

	"github.com/withObsrvr/epicov-fetcher/internal/util"
)

// ConcatFiles writes the inputs, in order, to out. Each input contributes
// its bytes followed by a newline if it did not end with one, so the same
// inputs always produce the same output.
func ConcatFiles(out string, inputs []string) error {
	var buf bytes.Buffer
	for _, in := range inputs {
		data, err := os.ReadFile(in)
		if err != nil {
			return fmt.Errorf("read %s: %w", in, err)
		}
		buf.Write(data)
		if len(data) > 0 && data[len(data)-1] != '\n' {
			buf.WriteByte('\n')
		}
	}
	return util.WriteFileAtomic(out, buf.Bytes())
}
