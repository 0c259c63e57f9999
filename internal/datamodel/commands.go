package datamodel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrCommandExists  = errors.New("datamodel: command already exists")
	ErrInvalidCommand = errors.New("datamodel: invalid command")
)

// CommandFunc runs one command invocation. path is the instantiated
// command path the controller addressed.
type CommandFunc func(ctx context.Context, path string, args map[string]string) (map[string]string, error)

// Command is one entry of the Operate registry. Path is in schema form,
// e.g. "Device.IP.Interface.{i}.Reset()".
type Command struct {
	Path        string
	Description string
	Async       bool
	Input       []string
	Output      []string
	Run         CommandFunc
}

// Commands stores commands by schema path.
type Commands struct {
	mu    sync.RWMutex
	items map[string]Command
}

func NewCommands() *Commands {
	return &Commands{items: make(map[string]Command)}
}

// ValidateCommand checks the required command fields.
func ValidateCommand(cmd Command) error {
	path := strings.TrimSpace(cmd.Path)
	if path == "" || !IsCommandPath(path) {
		return fmt.Errorf("%w: path %q must end with ()", ErrInvalidCommand, cmd.Path)
	}
	if !strings.HasPrefix(path, "Device.") {
		return fmt.Errorf("%w: path %q must be rooted at Device.", ErrInvalidCommand, cmd.Path)
	}
	if cmd.Run == nil {
		return fmt.Errorf("%w: %s has no handler", ErrInvalidCommand, cmd.Path)
	}
	return nil
}

func (c *Commands) Register(cmd Command) error {
	if err := ValidateCommand(cmd); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.items[cmd.Path]; ok {
		return fmt.Errorf("%w: %s", ErrCommandExists, cmd.Path)
	}
	c.items[cmd.Path] = cmd
	return nil
}

// Resolve finds the command addressed by an instantiated command path.
func (c *Commands) Resolve(path string) (Command, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cmd, ok := c.items[SchemaForm(path)]
	return cmd, ok
}

// List returns commands ordered by path.
func (c *Commands) List() []Command {
	c.mu.RLock()
	defer c.mu.RUnlock()
	list := make([]Command, 0, len(c.items))
	for _, cmd := range c.items {
		list = append(list, cmd)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].Path < list[j].Path
	})
	return list
}
