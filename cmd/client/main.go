// PairFusion terminal client
//
// Joins a room, mirrors the shared workspace locally, and relays chat
// from stdin. Mainly a debugging and demo surface for the sync engine.
//
// Commands on stdin:
//
//	/tree            print the workspace tree
//	/touch <name>    create a file at the root
//	/mkdir <name>    create a directory at the root
//	/quit            leave the room
//
// Any other line is sent to the room as a chat message.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/auraticabhi/PairFusion/internal/logging"
	"github.com/auraticabhi/PairFusion/pkg/client"
	"github.com/auraticabhi/PairFusion/pkg/models"
	"github.com/auraticabhi/PairFusion/pkg/protocol"
)

func main() {
	serverURL := flag.String("server", "ws://localhost:3000", "Gateway URL")
	roomID := flag.String("room", "", "Room to join (required)")
	username := flag.String("username", "", "Username (required)")
	logLevel := flag.String("log-level", "warn", "Log level: debug, info, warn, error")
	flag.Parse()

	logging.Init(logging.Config{Level: *logLevel, Format: "console"})
	defer logging.Sync()

	if *roomID == "" || *username == "" {
		fmt.Fprintln(os.Stderr, "Error: -room and -username are required")
		flag.Usage()
		os.Exit(1)
	}

	ctx := context.Background()
	c, err := client.Dial(ctx, client.Config{
		ServerURL: *serverURL,
		RoomID:    *roomID,
		Username:  *username,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer c.Close()

	fmt.Printf("joined room %q as %q (%d peers)\n", *roomID, *username, len(c.Peers()))

	go printNotifications(c)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			if err := c.SendChatMessage(line); err != nil {
				fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
			}
			continue
		}

		cmd, arg, _ := strings.Cut(line, " ")
		switch cmd {
		case "/quit":
			return
		case "/tree":
			printTree(c.Tree(), 0)
		case "/touch":
			if item, err := c.CreateFile("", arg); err != nil {
				fmt.Fprintf(os.Stderr, "create failed: %v\n", err)
			} else {
				fmt.Printf("created %s\n", item.Name)
			}
		case "/mkdir":
			if item, err := c.CreateDirectory("", arg); err != nil {
				fmt.Fprintf(os.Stderr, "mkdir failed: %v\n", err)
			} else {
				fmt.Printf("created %s/\n", item.Name)
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		}
	}
}

func printNotifications(c *client.Client) {
	for n := range c.Events() {
		switch n.Type {
		case protocol.EventUserJoined:
			fmt.Printf("* %s joined\n", n.User.Username)
		case protocol.EventUserDisconnected:
			fmt.Printf("* %s left\n", n.User.Username)
		case protocol.EventReceiveMessage:
			fmt.Printf("[%s] %s: %s\n", n.Message.Timestamp, n.Message.Username, n.Message.Message)
		case protocol.EventTypingStart:
			fmt.Printf("* %s is typing...\n", n.User.Username)
		}
	}
}

func printTree(item *models.WorkspaceItem, depth int) {
	if item == nil {
		return
	}
	indent := strings.Repeat("  ", depth)
	if item.Kind == models.ItemDirectory {
		fmt.Printf("%s%s/\n", indent, item.Name)
		for _, child := range item.Children {
			printTree(child, depth+1)
		}
		return
	}
	fmt.Printf("%s%s\n", indent, item.Name)
}
