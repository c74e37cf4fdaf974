package main

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/npezzotti/pilgrim-chat/internal/types"
)

type commandKind int

const (
	cmdSend commandKind = iota
	cmdReply
	cmdCancel
	cmdEdit
	cmdDelete
	cmdMedia
	cmdRetry
	cmdBack
	cmdNew
	cmdHelp
)

// command is one line typed into the input box. Index refers to the
// numbering shown next to each message in the chat view, starting at 1.
type command struct {
	kind     commandKind
	index    int
	text     string
	memberId string
	path     string
	media    types.MessageType
	duration *int
}

const helpText = "/reply N | /cancel | /edit N text | /delete N | /voice FILE [SECONDS] | /video FILE [SECONDS] | /retry | /back | /new ID"

// parseCommand interprets an input line. Anything not starting with a slash
// is a text message.
func parseCommand(line string) (command, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return command{kind: cmdSend, text: line}, nil
	}

	name, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)

	switch name {
	case "reply":
		n, err := parseIndex(rest)
		if err != nil {
			return command{}, err
		}
		return command{kind: cmdReply, index: n}, nil
	case "cancel":
		return command{kind: cmdCancel}, nil
	case "edit":
		idx, text, _ := strings.Cut(rest, " ")
		n, err := parseIndex(idx)
		if err != nil {
			return command{}, err
		}
		return command{kind: cmdEdit, index: n, text: strings.TrimSpace(text)}, nil
	case "delete":
		n, err := parseIndex(rest)
		if err != nil {
			return command{}, err
		}
		return command{kind: cmdDelete, index: n}, nil
	case "voice", "video":
		fields := strings.Fields(rest)
		if len(fields) == 0 || len(fields) > 2 {
			return command{}, fmt.Errorf("usage: /%s FILE [SECONDS]", name)
		}
		c := command{kind: cmdMedia, path: fields[0], media: types.MessageType(name)}
		if len(fields) == 2 {
			secs, err := strconv.Atoi(fields[1])
			if err != nil || secs < 0 {
				return command{}, fmt.Errorf("invalid duration %q", fields[1])
			}
			c.duration = &secs
		}
		return c, nil
	case "retry":
		return command{kind: cmdRetry}, nil
	case "back":
		return command{kind: cmdBack}, nil
	case "new":
		if rest == "" {
			return command{}, fmt.Errorf("usage: /new MEMBER_ID")
		}
		return command{kind: cmdNew, memberId: rest}, nil
	case "help":
		return command{kind: cmdHelp}, nil
	}

	return command{}, fmt.Errorf("unknown command /%s", name)
}

func parseIndex(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid message number %q", s)
	}
	return n, nil
}

var mediaSubtypes = map[string]string{
	".webm": "webm",
	".ogg":  "ogg",
	".mp3":  "mpeg",
	".m4a":  "mp4",
	".mp4":  "mp4",
	".aac":  "aac",
	".wav":  "wav",
	".mov":  "quicktime",
}

// contentTypeOf guesses the content type of a voice or video file from its
// extension. An empty result lets the server sniff the bytes.
func contentTypeOf(path string, typ types.MessageType) string {
	sub, ok := mediaSubtypes[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return ""
	}
	if typ == types.MessageTypeVoice {
		return "audio/" + sub
	}
	return "video/" + sub
}
