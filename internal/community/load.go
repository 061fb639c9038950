package community

import (
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// LoadFile compiles a community definition from a single CUE file.
func LoadFile(path string) (*Community, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read community file: %w", err)
	}
	return Parse(path, src)
}

// Parse compiles a community definition from CUE source. filename is used
// only for error positions.
func Parse(filename string, src []byte) (*Community, error) {
	ctx := cuecontext.New()
	value := ctx.CompileBytes(src, cue.Filename(filename))
	if err := value.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	communityVal := value.LookupPath(cue.ParsePath("community"))
	if !communityVal.Exists() {
		return nil, &CompileError{Field: "community", Message: "missing top-level community field", Pos: value.Pos()}
	}
	return Compile(communityVal)
}
