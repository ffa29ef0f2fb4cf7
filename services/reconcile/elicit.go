package reconcile

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Prompter is the operator side of the mapping dialogue. Ask returns io.EOF
// when the operator closes input.
type Prompter interface {
	Ask(question string) (string, error)
	Say(msg string)
}

type ElicitState int

const (
	AwaitingTitleField ElicitState = iota
	AwaitingArtistField
	AwaitingExtraMatches
	AwaitingUpdateFields
	Done
)

func (s ElicitState) String() string {
	switch s {
	case AwaitingTitleField:
		return "AwaitingTitleField"
	case AwaitingArtistField:
		return "AwaitingArtistField"
	case AwaitingExtraMatches:
		return "AwaitingExtraMatches"
	case AwaitingUpdateFields:
		return "AwaitingUpdateFields"
	case Done:
		return "Done"
	default:
		return "Unknown"
	}
}

// Elicitor builds a FieldMapping through an operator dialogue. Every Step
// performs one transition; invalid input keeps the current state.
type Elicitor struct {
	external  []string
	canonical []string
	prompter  Prompter
	state     ElicitState
	mapping   FieldMapping
}

func NewElicitor(external, canonical []string, p Prompter) (*Elicitor, error) {
	if len(external) == 0 {
		return nil, errors.New("external fields cannot be empty")
	}

	if len(canonical) == 0 {
		return nil, errors.New("canonical fields cannot be empty")
	}

	if p == nil {
		return nil, errors.New("prompter cannot be nil")
	}

	return &Elicitor{
		external:  external,
		canonical: canonical,
		prompter:  p,
		state:     AwaitingTitleField,
		mapping: FieldMapping{
			Match:  make([]Pair, 0),
			Update: make([]Pair, 0),
		},
	}, nil
}

// Elicit runs the dialogue to completion.
func Elicit(external, canonical []string, p Prompter) (FieldMapping, error) {
	e, err := NewElicitor(external, canonical, p)
	if err != nil {
		return FieldMapping{}, err
	}

	e.showFields()

	for e.State() != Done {
		if err := e.Step(); err != nil {
			return FieldMapping{}, err
		}
	}

	return e.Mapping(), nil
}

func (e *Elicitor) State() ElicitState {
	return e.state
}

func (e *Elicitor) Mapping() FieldMapping {
	return e.mapping
}

func (e *Elicitor) Step() error {
	switch e.state {
	case AwaitingTitleField:
		return e.stepIdentity(FieldTitle, "Which field contains the song title?", AwaitingArtistField)
	case AwaitingArtistField:
		if err := e.stepIdentity(FieldArtist, "Which field contains the artist name?", AwaitingExtraMatches); err != nil {
			return err
		}

		if e.state == AwaitingExtraMatches && len(e.mapping.Match) == 0 {
			e.prompter.Say("At least one match field (title and/or artist) is required, starting over")
			e.state = AwaitingTitleField
		}

		return nil
	case AwaitingExtraMatches:
		return e.stepExtraMatch()
	case AwaitingUpdateFields:
		return e.stepUpdate()
	case Done:
		return nil
	}

	return errors.Errorf("unknown state %d", e.state)
}

func (e *Elicitor) stepIdentity(canonical, question string, next ElicitState) error {
	answer, err := e.ask(question + " Enter field name or number (or 'skip'): ")
	if err != nil {
		return err
	}

	if strings.EqualFold(answer, "skip") {
		e.state = next
		return nil
	}

	field, ok := e.resolve(answer, e.external)
	if !ok {
		return nil
	}

	if e.mapping.IsMatchField(field) {
		e.prompter.Say(fmt.Sprintf("Field '%s' is already used for matching", field))
		return nil
	}

	e.mapping.Match = append(e.mapping.Match, Pair{External: field, Canonical: canonical})
	e.prompter.Say(fmt.Sprintf("Mapped '%s' to '%s' for matching", field, canonical))
	e.state = next

	return nil
}

func (e *Elicitor) stepExtraMatch() error {
	e.showPairs("Current match fields", e.mapping.Match)

	answer, err := e.ask("Do you want to add more match fields? (yes/no): ")
	if err != nil {
		return err
	}

	if !strings.EqualFold(answer, "yes") {
		e.state = AwaitingUpdateFields
		return nil
	}

	answer, err = e.ask("Which field do you want to add for matching? Enter name or number: ")
	if err != nil {
		return err
	}

	field, ok := e.resolve(answer, e.external)
	if !ok {
		return nil
	}

	if e.mapping.IsMatchField(field) {
		e.prompter.Say(fmt.Sprintf("Field '%s' is already used for matching", field))
		return nil
	}

	answer, err = e.ask("Which store field should this match? Enter name or number: ")
	if err != nil {
		return err
	}

	canonical, ok := e.resolve(answer, e.canonical)
	if !ok {
		return nil
	}

	e.mapping.Match = append(e.mapping.Match, Pair{External: field, Canonical: canonical})
	e.prompter.Say(fmt.Sprintf("Mapped '%s' to '%s' for matching", field, canonical))

	return nil
}

func (e *Elicitor) stepUpdate() error {
	e.showPairs("Current update fields", e.mapping.Update)

	answer, err := e.ask("Enter 'add' to add an update field, 'remove' to remove one, 'done' when finished or 'skip': ")
	if err != nil {
		return err
	}

	switch strings.ToLower(answer) {
	case "done":
		e.state = Done
	case "skip":
		e.prompter.Say("Skipping update field selection")
		e.state = Done
	case "add":
		return e.addUpdate()
	case "remove":
		return e.removeUpdate()
	default:
		e.prompter.Say(fmt.Sprintf("Unknown action '%s'", answer))
	}

	return nil
}

func (e *Elicitor) addUpdate() error {
	answer, err := e.ask("Enter field name or number: ")
	if err != nil {
		return err
	}

	field, ok := e.resolve(answer, e.external)
	if !ok {
		return nil
	}

	if e.mapping.IsMatchField(field) {
		e.prompter.Say(fmt.Sprintf("Field '%s' is already used for matching, skipping", field))
		return nil
	}

	answer, err = e.ask(fmt.Sprintf("Enter store field for '%s' (name or number): ", field))
	if err != nil {
		return err
	}

	canonical, ok := e.resolve(answer, e.canonical)
	if !ok {
		return nil
	}

	for i, p := range e.mapping.Update {
		if p.External == field {
			e.mapping.Update[i].Canonical = canonical
			e.prompter.Say(fmt.Sprintf("Mapped '%s' to '%s' for updating", field, canonical))
			return nil
		}
	}

	e.mapping.Update = append(e.mapping.Update, Pair{External: field, Canonical: canonical})
	e.prompter.Say(fmt.Sprintf("Mapped '%s' to '%s' for updating", field, canonical))

	return nil
}

func (e *Elicitor) removeUpdate() error {
	if len(e.mapping.Update) == 0 {
		e.prompter.Say("No update fields to remove")
		return nil
	}

	e.showPairs("Update fields", e.mapping.Update)

	answer, err := e.ask("Enter the number of the mapping to remove (0 to cancel): ")
	if err != nil {
		return err
	}

	idx, err := strconv.Atoi(answer)
	if err != nil {
		e.prompter.Say("Please enter a valid number")
		return nil
	}

	if idx == 0 {
		return nil
	}

	if idx < 1 || idx > len(e.mapping.Update) {
		e.prompter.Say("Invalid selection")
		return nil
	}

	removed := e.mapping.Update[idx-1]
	e.mapping.Update = append(e.mapping.Update[:idx-1], e.mapping.Update[idx:]...)
	e.prompter.Say(fmt.Sprintf("Removed mapping for '%s'", removed.External))

	return nil
}

// resolve turns a 1-based index or an exact name into an entry of options.
// Rejections are reported to the operator and leave the state unchanged.
func (e *Elicitor) resolve(answer string, options []string) (string, bool) {
	if idx, err := strconv.Atoi(answer); err == nil {
		if idx < 1 || idx > len(options) {
			e.prompter.Say(fmt.Sprintf("Invalid number, please enter a number between 1 and %d", len(options)))
			return "", false
		}

		return options[idx-1], true
	}

	for _, o := range options {
		if o == answer {
			return o, true
		}
	}

	e.prompter.Say(fmt.Sprintf("Field '%s' not found, please try again", answer))

	return "", false
}

func (e *Elicitor) ask(question string) (string, error) {
	answer, err := e.prompter.Ask(question)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return "", ErrOperatorAbort
		}

		return "", errors.Wrap(err, "unable to read answer")
	}

	return strings.TrimSpace(answer), nil
}

func (e *Elicitor) showFields() {
	e.prompter.Say("Source fields:")
	for i, f := range e.external {
		e.prompter.Say(fmt.Sprintf("  %d. %s", i+1, f))
	}

	e.prompter.Say("Store fields:")
	for i, f := range e.canonical {
		e.prompter.Say(fmt.Sprintf("  %d. %s", i+1, f))
	}
}

func (e *Elicitor) showPairs(title string, pairs []Pair) {
	e.prompter.Say(title + ":")

	if len(pairs) == 0 {
		e.prompter.Say("  None selected yet")
		return
	}

	for i, p := range pairs {
		e.prompter.Say(fmt.Sprintf("  %d. '%s' -> '%s'", i+1, p.External, p.Canonical))
	}
}

// ConsolePrompter reads answers line by line from r and writes prompts to w.
type ConsolePrompter struct {
	r *bufio.Reader
	w io.Writer
}

func NewConsolePrompter(r io.Reader, w io.Writer) *ConsolePrompter {
	return &ConsolePrompter{
		r: bufio.NewReader(r),
		w: w,
	}
}

func (c *ConsolePrompter) Ask(question string) (string, error) {
	fmt.Fprint(c.w, question)

	line, err := c.r.ReadString('\n')
	if err != nil {
		// A final line without newline is still an answer
		if errors.Is(err, io.EOF) && line != "" {
			return strings.TrimRight(line, "\r\n"), nil
		}

		return "", err
	}

	return strings.TrimRight(line, "\r\n"), nil
}

func (c *ConsolePrompter) Say(msg string) {
	fmt.Fprintln(c.w, msg)
}
