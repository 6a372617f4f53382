package main

import (
	"errors"
	"flag"
	"io"

	"github.com/dmitrijs2005/gophsync/internal/flagx"
	"github.com/dmitrijs2005/gophsync/internal/server/migration"
)

var migrateFlags = flagx.Spec{
	Value: []string{"-operator", "-resume", "-max", "-out"},
	Bool: []string{
		"-live", "-confirm", "-all",
		"-fix-missing", "-fix-verification", "-create-missing", "-remove-orphans",
		"-clean-duplicates", "-fix-email",
		"-normalize-legacy", "-mark-reverification", "-resend",
	},
}

// command is what one invocation of the tool asks for.
type command struct {
	resume  string
	out     string
	options migration.Options
}

func parseCommand(args []string) (command, error) {
	var (
		cmd command
		all bool
		o   = &cmd.options
	)

	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&o.Operator, "operator", "", "identity id of the administrator running the migration")
	fs.StringVar(&cmd.resume, "resume", "", "run id of an interrupted migration to resume")
	fs.IntVar(&o.MaxRecordsToScan, "max", 0, "stop scanning after this many profiles (0 = all)")
	fs.StringVar(&cmd.out, "out", "", "also write the report JSON to this file")

	fs.BoolVar(&o.Live, "live", false, "apply repairs (default is a dry run)")
	fs.BoolVar(&o.Confirm, "confirm", false, "confirm a live run")
	fs.BoolVar(&all, "all", false, "enable every repair")
	fs.BoolVar(&o.Repairs.FixMissingFields, "fix-missing", false, "fill missing profile fields")
	fs.BoolVar(&o.Repairs.FixVerificationStatus, "fix-verification", false, "copy verification status from identities")
	fs.BoolVar(&o.Repairs.CreateMissingProfiles, "create-missing", false, "create profiles for orphan identities")
	fs.BoolVar(&o.Repairs.RemoveOrphans, "remove-orphans", false, "delete profiles without an identity")
	fs.BoolVar(&o.Repairs.CleanDuplicates, "clean-duplicates", false, "remove duplicate profiles")
	fs.BoolVar(&o.Repairs.FixEmailMismatch, "fix-email", false, "copy email addresses from identities")
	fs.BoolVar(&o.NormalizeLegacy, "normalize-legacy", false, "rewrite legacy membership flags")
	fs.BoolVar(&o.MarkReverification, "mark-reverification", false, "flag long-unverified accounts")
	fs.BoolVar(&o.ResendVerification, "resend", false, "resend verification mail to flagged accounts")

	if err := fs.Parse(flagx.Filter(args, migrateFlags)); err != nil {
		return command{}, err
	}
	if all {
		o.Repairs = o.Repairs.All()
		o.NormalizeLegacy = true
		o.MarkReverification = true
	}
	if o.Operator == "" {
		return command{}, errors.New("-operator is required")
	}
	return cmd, nil
}
