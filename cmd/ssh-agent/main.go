// Command ssh-agent is the AuthorizedKeysAgent entry point: invoked by
// sshd per connection to decide which ephemeral SSH public keys to trust
// for a local user.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/ec2-instance-connect/managed-ssh-agent/internal/cliexit"
)

func main() {
	cmd := NewCommand()
	err := cmd.ExecuteContext(context.Background())
	if err == nil {
		os.Exit(0)
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(cliexit.CodeOf(err, 255))
}
