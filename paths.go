package removebg

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/DougieWougie/RemoveBackground/util/fileutil"
)

const outputSuffix = "_nobg"

// OutputPath decides where the result for input is written. A supplied output keeps its name but
// always gets a .png extension; otherwise the result goes next to the input as <stem>_nobg.png.
func OutputPath(input, output string) (string, error) {
	if output != "" {
		base := filepath.Base(output)
		if base == "." || base == ".." || base == string(filepath.Separator) || strings.HasSuffix(output, "/") {
			return "", fmt.Errorf("%w: output %q does not name a file", ErrProcessing, output)
		}
		ext := extension(base)
		if strings.EqualFold(ext, ".png") {
			return output, nil
		}
		return strings.TrimSuffix(output, ext) + ".png", nil
	}

	base := filepath.Base(input)
	stem := strings.TrimSuffix(base, extension(base))
	if stem == "" || stem == "." || stem == ".." || stem == string(filepath.Separator) {
		return "", fmt.Errorf("%w: cannot derive an output name from %q", ErrProcessing, input)
	}
	return fileutil.PathJoinSafe(fileutil.Dir(input), stem+outputSuffix+".png"), nil
}

// extension is filepath.Ext, except that a leading dot alone does not start an extension.
func extension(base string) string {
	ext := filepath.Ext(base)
	if ext == base {
		return ""
	}
	return ext
}
