package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/AlecAivazis/survey/v2"
	"github.com/AlecAivazis/survey/v2/terminal"
	"github.com/lupppig/dbcycle/internal/conflict"
	"github.com/lupppig/dbcycle/internal/db"
	apperrors "github.com/lupppig/dbcycle/internal/errors"
)

const (
	choiceAbort     = "Abort"
	choiceOverwrite = "Overwrite it"
	choiceRename    = "Restore into a new database"
)

// promptDecider asks on the terminal what to do with an existing database.
func promptDecider() conflict.Decider {
	return conflict.DeciderFunc(func(ctx context.Context, existing string) (conflict.Decision, error) {
		var choice string
		err := survey.AskOne(&survey.Select{
			Message: fmt.Sprintf("Database %q already exists.", existing),
			Options: []string{choiceAbort, choiceOverwrite, choiceRename},
			Default: choiceAbort,
		}, &choice)
		if err != nil {
			return interrupted(err)
		}

		switch choice {
		case choiceOverwrite:
			confirmed := false
			err := survey.AskOne(&survey.Confirm{
				Message: fmt.Sprintf("This drops %q and everything in it. Continue?", existing),
				Default: false,
			}, &confirmed)
			if err != nil {
				return interrupted(err)
			}
			if !confirmed {
				return conflict.Abort(), nil
			}
			return conflict.Overwrite(), nil
		case choiceRename:
			var name string
			err := survey.AskOne(&survey.Input{
				Message: "New database name:",
				Default: existing + "_restored",
			}, &name, survey.WithValidator(func(ans interface{}) error {
				s, _ := ans.(string)
				return db.ValidateName(s)
			}))
			if err != nil {
				return interrupted(err)
			}
			return conflict.Rename(name), nil
		}
		return conflict.Abort(), nil
	})
}

func interrupted(err error) (conflict.Decision, error) {
	if errors.Is(err, terminal.InterruptErr) {
		return conflict.Abort(), nil
	}
	return conflict.Decision{}, apperrors.Wrap(err, apperrors.TypeInternal, "prompt failed", "Pass --on-conflict to answer without a prompt.")
}

// decider maps --on-conflict to a Decider. "prompt" falls back to abort
// when there is no terminal to ask on.
func decider(mode string, interactive bool) (conflict.Decider, error) {
	switch mode {
	case "", "prompt":
		if interactive {
			return promptDecider(), nil
		}
		return conflict.Always(conflict.Abort()), nil
	case "abort":
		return conflict.Always(conflict.Abort()), nil
	case "overwrite":
		return conflict.Always(conflict.Overwrite()), nil
	case "rename":
		return conflict.DeciderFunc(func(_ context.Context, existing string) (conflict.Decision, error) {
			return conflict.Rename(existing + "_restored"), nil
		}), nil
	}
	return nil, apperrors.New(apperrors.TypeConfig, fmt.Sprintf("invalid --on-conflict %q", mode), "Use prompt, abort, overwrite or rename.")
}
