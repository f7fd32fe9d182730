package lab

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"

	"gitlab.com/stephen-fox/uafkit/heapsim"
)

const (
	NoteSlots   = 16
	MaxNoteSize = 0x1000

	// NotesFilename is what the Filename command stores.
	NotesFilename = "not_the_flag.txt"

	maxPathLen = 4096
)

// Notes is a note keeper. Writing a note stores up to size+1
// bytes followed by a NUL terminator, two bytes more than the
// note's size. With a size equal to its chunk class, the overflow
// reaches the first two bytes of the next chunk, which can hold
// the file name printed by the cat command.
type Notes struct{}

func (Notes) Name() string {
	return "notes"
}

func (Notes) TimeoutMessage() string {
	return "Timeout."
}

type notesState struct {
	s        *Session
	heap     *heapsim.Heap
	notes    [NoteSlots]heapsim.Addr
	filename heapsim.Addr
}

func (o Notes) Run(ctx context.Context, s *Session) error {
	state := &notesState{
		s:    s,
		heap: heapsim.New(heapsim.Config{}),
	}

	err := s.Puts("The Long Way Home\n")
	if err != nil {
		return err
	}

	for {
		_ = s.Puts("What would you like to do?")
		_ = s.Puts("  (1) Make")
		_ = s.Puts("  (2) Delete")
		_ = s.Puts("  (3) Filename")
		_ = s.Puts("  (4) cat")
		_ = s.Printf("Pick one: ")

		choice, err := s.readInt()
		if err != nil {
			return endOfInput(err)
		}

		switch choice {
		case 1:
			err = state.make()
		case 2:
			err = state.delete()
		case 3:
			err = state.setFilename()
		case 4:
			if state.filename == 0 {
				err = s.Puts("File not set.")
				break
			}

			return state.cat(ctx)
		default:
			err = s.Puts("Invalid option.")
		}

		if err != nil {
			return endOfInput(err)
		}
	}
}

func endOfInput(err error) error {
	if errors.Is(err, io.EOF) {
		return nil
	}

	return err
}

func (o *notesState) make() error {
	i := 0
	for i < NoteSlots && o.notes[i] != 0 {
		i++
	}

	if i == NoteSlots {
		return o.s.Puts("No space.")
	}

	_ = o.s.Printf("Size (bytes): ")

	size, err := o.s.readInt()
	if err != nil {
		return err
	}

	if size <= 0 || size > MaxNoteSize {
		return o.s.Puts("Too big.")
	}

	addr, err := o.heap.Malloc(size)
	if err != nil {
		_ = o.s.Puts("Failed.")
		return fmt.Errorf("malloc(%d) failed - %w", size, err)
	}

	_ = o.s.Printf("Write: ")

	line, err := o.s.readLine(size + 1)
	if err != nil {
		return err
	}

	err = o.heap.Write(addr, append(line, 0))
	if err != nil {
		o.s.Logf("SIGSEGV writing %d bytes to note #%d at %s - %s",
			len(line)+1, i, addr, err)
		return ErrCrashed
	}

	if len(line) >= size {
		o.s.Logf("note #%d at %s: wrote %d bytes into a %d byte note",
			i, addr, len(line)+1, size)
	}

	o.notes[i] = addr

	return o.s.Printf("Saved as note #%d.\n", i)
}

func (o *notesState) delete() error {
	_ = o.s.Printf("Note ID to delete: ")

	idx, err := o.s.readInt()
	if err != nil {
		return err
	}

	if idx < 0 || idx >= NoteSlots || o.notes[idx] == 0 {
		return o.s.Puts("Invalid id.")
	}

	err = o.heap.Free(o.notes[idx])
	if err != nil {
		o.s.Logf("%s", err)
		return fmt.Errorf("%w - %s", ErrCrashed, err)
	}

	o.notes[idx] = 0

	return o.s.Puts("Freed.")
}

// setFilename duplicates NotesFilename onto the heap. The previous
// copy is leaked.
func (o *notesState) setFilename() error {
	addr, err := o.heap.Malloc(len(NotesFilename) + 1)
	if err != nil {
		return fmt.Errorf("strdup failed - %w", err)
	}

	err = o.heap.Write(addr, append([]byte(NotesFilename), 0))
	if err != nil {
		return err
	}

	o.filename = addr

	return o.s.Puts("Filename set.")
}

// cat runs the cat program on the file name stored in the heap.
// The session ends when it exits, as if the program had been
// replaced by it.
func (o *notesState) cat(ctx context.Context) error {
	name := cString(o.heap, o.filename, maxPathLen)

	_ = o.s.Puts("Retrieved.")

	config := o.s.Config()

	o.s.Logf("running %s %q", config.CatPath, name)

	cmd := exec.CommandContext(ctx, config.CatPath, name)
	cmd.Dir = config.HomeDir
	cmd.Stdout = o.s
	cmd.Stderr = o.s

	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil
		}

		_ = o.s.Printf("execl failed: %s\n", err)
		return fmt.Errorf("failed to run %s - %w", config.CatPath, err)
	}

	return nil
}

// cString reads a NUL-terminated string from the heap. It stops at
// unmapped memory or after max bytes.
func cString(heap *heapsim.Heap, addr heapsim.Addr, max int) string {
	var str []byte

	for i := 0; i < max; i++ {
		b, err := heap.Read(addr+heapsim.Addr(i), 1)
		if err != nil || b[0] == 0 {
			break
		}

		str = append(str, b[0])
	}

	return string(str)
}
