package scripting

import (
	"bytes"
	"log"
	"strings"
	"testing"
)

func TestStageCtl_PausesAtGoto(t *testing.T) {
	logs := bytes.NewBuffer(nil)

	stages := StageCtl{
		Goto:          2,
		Logger:        log.New(logs, "", 0),
		OptPauseInput: strings.NewReader("\n"),
	}

	stages.Next("leak")
	if strings.Contains(logs.String(), "paused") {
		t.Fatalf("paused at the wrong stage: %q", logs.String())
	}

	stages.Next("reclaim")
	if !strings.Contains(logs.String(), "paused at stage 2") {
		t.Fatalf("expected pause at stage 2 - got %q", logs.String())
	}

	stages.Next("trigger")
	if stages.Num() != 3 {
		t.Fatalf("expected stage 3 - got %d", stages.Num())
	}

	if strings.Count(logs.String(), "paused") != 1 {
		t.Fatalf("expected exactly one pause - got %q", logs.String())
	}
}
