package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// readPassword is a test seam for term.ReadPassword.
// In tests you can replace it with a stub to avoid touching the terminal.
var readPassword = term.ReadPassword

// GetAPIKey prints a prompt to w and reads an API key from the user's
// terminal without echo. A newline is printed after the read to keep the
// output tidy. Surrounding whitespace is trimmed.
func GetAPIKey(w io.Writer) (string, error) {
	if _, err := fmt.Fprint(w, "Enter API key: "); err != nil {
		return "", err
	}
	key, err := readPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(w)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(key)), nil
}
