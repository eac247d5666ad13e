// Command host-key-publisher is the HostKeyPublisher entry point: invoked
// once at boot to publish this instance's SSH host public keys to the
// managed SSH key service.
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
