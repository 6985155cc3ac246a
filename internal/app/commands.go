package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"taxfiler/internal/authority"
	"taxfiler/internal/common/errors"
	"taxfiler/internal/common/logging"
	"taxfiler/internal/handlers"
	"taxfiler/internal/oauth2"
	"taxfiler/internal/orchestrator"
	"taxfiler/internal/saga"
	"taxfiler/internal/server"
	"taxfiler/internal/submission"
)

const dateLayout = "2006-01-02"

// DeclarationStatement is the text the user accepts when declaring. Its
// SHA-256 digest is sent as the declaration hash unless --hash is given.
const DeclarationStatement = "The information I have provided is correct and complete to the best of my knowledge and belief. If I give false information I may have to pay financial penalties and face prosecution."

// DeclarationHash is the hex SHA-256 of DeclarationStatement
func DeclarationHash() string {
	sum := sha256.Sum256([]byte(DeclarationStatement))
	return hex.EncodeToString(sum[:])
}

type command struct {
	name  string
	usage string
	run   func(a *App, ctx context.Context, args []string) error
}

var commands = []command{
	{"connect", "authorize taxfiler with the tax authority", (*App).runConnect},
	{"status", "show the connection and profile state", (*App).runStatus},
	{"disconnect", "forget the stored credentials", (*App).runDisconnect},
	{"profile", "set or sync the taxpayer profile (profile set|sync)", (*App).runProfile},
	{"submit-quarterly", "file a quarterly period update", (*App).runSubmitQuarterly},
	{"calculate", "run the annual calculation for a tax year", (*App).runCalculate},
	{"declare", "confirm and file the annual return", (*App).runDeclare},
	{"resume", "resume a failed annual return", (*App).runResume},
	{"sagas", "list annual returns", (*App).runSagas},
	{"serve", "serve the status API and refresh tokens in the background", (*App).runServe},
}

func lookupCommand(name string) (command, bool) {
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: taxfiler <command> [flags]")
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, c := range commands {
		fmt.Fprintf(tw, "  %s\t%s\n", c.name, c.usage)
	}
	_ = tw.Flush()
}

func (a *App) flags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.out)
	return fs
}

func (a *App) runConnect(ctx context.Context, args []string) error {
	if err := a.flags("connect").Parse(args); err != nil {
		return err
	}

	done := make(chan orchestrator.Update, 1)
	started := a.Auth.Start(func(u orchestrator.Update) {
		a.printAuthUpdate(u)
		if u.Status.Terminal() {
			done <- u
		}
	})
	if !started {
		return errors.New(errors.KindAuthInProgress, "an authorization is already in progress")
	}

	var u orchestrator.Update
	select {
	case u = <-done:
	case <-ctx.Done():
		a.Auth.Cancel()
		u = <-done
	}

	if u.Status == orchestrator.StatusSuccess {
		return nil
	}
	if u.Err != nil {
		return u.Err
	}
	return errors.Newf(errors.KindAuthFailed, "authorization ended with %s", u.Status)
}

func (a *App) printAuthUpdate(u orchestrator.Update) {
	switch u.Status {
	case orchestrator.StatusCompleting:
		fmt.Fprintln(a.out, "\nCompleting authorization...")
	case orchestrator.StatusSuccess:
		fmt.Fprintln(a.out, "Connected.")
	case orchestrator.StatusTimeout:
		fmt.Fprintf(a.out, "\nAuthorization timed out after %s.\n", a.Config.AuthTimeout)
	case orchestrator.StatusError:
		fmt.Fprintf(a.out, "\nAuthorization failed: %v\n", u.Err)
	}
}

func (a *App) runStatus(ctx context.Context, args []string) error {
	fs := a.flags("status")
	verify := fs.Bool("verify", false, "prove the stored credentials with a live call")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *verify {
		a.verifySession(ctx)
	}

	st, err := a.Connection.Status(ctx)
	if err != nil {
		return err
	}
	nino, err := a.Profile.TaxpayerID(ctx)
	if err != nil {
		return err
	}
	businessID, err := a.Profile.BusinessID(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "State:\t%s\n", st.State)
	fmt.Fprintf(tw, "Verified this run:\t%t\n", st.Verified)
	if st.SecondsUntilExpiry > 0 {
		fmt.Fprintf(tw, "Token expires in:\t%s\n", time.Duration(st.SecondsUntilExpiry)*time.Second)
	}
	fmt.Fprintf(tw, "NINO:\t%s\n", orNone(nino))
	fmt.Fprintf(tw, "Business ID:\t%s\n", orNone(businessID))
	return tw.Flush()
}

// verifySession proves restored credentials with a read-only call so a
// time-valid token counts as verified for this run. Failures leave the
// session unverified and are otherwise ignored.
func (a *App) verifySession(ctx context.Context) {
	state, err := a.Connection.State(ctx)
	if err != nil || state != oauth2.StateNeedsVerification {
		return
	}
	nino, err := a.Profile.TaxpayerID(ctx)
	if err != nil || nino == "" {
		return
	}
	token, err := a.Tokens.GetValidToken(ctx, false)
	if err != nil {
		return
	}
	if _, err := a.Authority.GetBusinessDetails(ctx, token, nino); err != nil {
		a.Logger.WithContext(ctx).Info("Stored credentials not verified", logging.Err(err))
		return
	}
	a.Tokens.MarkSessionVerified()
}

func (a *App) runDisconnect(ctx context.Context, args []string) error {
	if err := a.flags("disconnect").Parse(args); err != nil {
		return err
	}
	if err := a.Connection.Disconnect(ctx); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "Disconnected.")
	return nil
}

func (a *App) runProfile(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.ValidationError("profile needs a subcommand: set or sync")
	}

	switch args[0] {
	case "set":
		fs := a.flags("profile set")
		nino := fs.String("nino", "", "national insurance number")
		businessID := fs.String("business-id", "", "self-employment business id")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		return a.profileSet(ctx, *nino, *businessID)
	case "sync":
		fs := a.flags("profile sync")
		choose := fs.String("business-id", "", "business to use when several are found")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		return a.profileSync(ctx, *choose)
	default:
		return errors.Newf(errors.KindValidation, "unknown profile subcommand %q", args[0])
	}
}

func (a *App) profileSet(ctx context.Context, nino, businessID string) error {
	if nino == "" && businessID == "" {
		return errors.ValidationError("profile set needs --nino or --business-id")
	}
	if nino != "" {
		if err := a.Profile.SetTaxpayerID(ctx, nino); err != nil {
			return err
		}
	}
	if businessID != "" {
		if err := a.Profile.SetBusinessID(ctx, businessID); err != nil {
			return err
		}
	}
	fmt.Fprintln(a.out, "Profile saved.")
	return nil
}

// profileSync looks up the taxpayer's self-employment businesses and stores
// the one to file against.
func (a *App) profileSync(ctx context.Context, choose string) error {
	nino, err := a.Profile.TaxpayerID(ctx)
	if err != nil {
		return err
	}
	if nino == "" {
		return errors.New(errors.KindNINORequired, "national insurance number is not set; run profile set first")
	}

	a.verifySession(ctx)
	connected, err := a.Connection.IsConnected(ctx)
	if err != nil {
		return err
	}
	if !connected {
		if _, err := a.Auth.Connect(ctx); err != nil {
			return err
		}
	}

	token, err := a.Tokens.GetValidToken(ctx, false)
	if err != nil {
		return err
	}
	businesses, err := a.Authority.GetBusinessDetails(ctx, token, nino)
	if err != nil {
		return err
	}
	a.Tokens.MarkSessionVerified()

	var ids []string
	for _, b := range businesses {
		if b.SelfEmployment() {
			ids = append(ids, b.BusinessID)
			fmt.Fprintf(a.out, "  %s  %s\n", b.BusinessID, orNone(b.TradingName))
		}
	}
	sort.Strings(ids)

	var pick string
	switch {
	case len(ids) == 0:
		return errors.New(errors.KindBusinessIDRequired, "the authority lists no self-employment business for this taxpayer")
	case choose != "":
		for _, id := range ids {
			if id == choose {
				pick = id
			}
		}
		if pick == "" {
			return errors.Newf(errors.KindValidation, "business %s is not one of the listed businesses", choose)
		}
	case len(ids) == 1:
		pick = ids[0]
	default:
		return errors.New(errors.KindBusinessIDRequired, "several businesses found; rerun with --business-id")
	}

	if err := a.Profile.SetBusinessID(ctx, pick); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Business %s selected.\n", pick)
	return nil
}

func (a *App) runSubmitQuarterly(ctx context.Context, args []string) error {
	fs := a.flags("submit-quarterly")
	from := fs.String("from", "", "period start date, YYYY-MM-DD")
	to := fs.String("to", "", "period end date, YYYY-MM-DD")
	income := fs.Float64("income", 0, "turnover in pounds")
	other := fs.Float64("other-income", 0, "other business income in pounds")
	expenses := fs.Float64("expenses", 0, "allowable expenses in pounds")
	if err := fs.Parse(args); err != nil {
		return err
	}

	update, err := periodUpdate(*from, *to, *income, *other, *expenses)
	if err != nil {
		return err
	}

	a.verifySession(ctx)
	receipt, err := a.Submissions.SubmitQuarterly(ctx, update)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Quarterly update accepted: %s\n", receipt.PeriodID)
	return nil
}

func periodUpdate(from, to string, income, other, expenses float64) (authority.PeriodUpdate, error) {
	start, err := time.Parse(dateLayout, from)
	if err != nil {
		return authority.PeriodUpdate{}, errors.Validation("from", "must be a date in YYYY-MM-DD form")
	}
	end, err := time.Parse(dateLayout, to)
	if err != nil {
		return authority.PeriodUpdate{}, errors.Validation("to", "must be a date in YYYY-MM-DD form")
	}
	return authority.PeriodUpdate{
		From:        start,
		To:          end,
		Turnover:    authority.FromPounds(income),
		OtherIncome: authority.FromPounds(other),
		Expenses:    authority.FromPounds(expenses),
	}, nil
}

func (a *App) runCalculate(ctx context.Context, args []string) error {
	fs := a.flags("calculate")
	taxYear := fs.String("tax-year", "", "tax year, e.g. 2024-25")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a.verifySession(ctx)
	s, err := a.Submissions.PrepareAnnual(ctx, *taxYear)
	if err != nil {
		return err
	}
	a.printSaga(s)
	if s.State == saga.StateCalculated {
		fmt.Fprintf(a.out, "\nTo file, read the declaration and run:\n  taxfiler declare --tax-year %s --confirm\n\n%s\n", s.TaxYear, DeclarationStatement)
	}
	return nil
}

func (a *App) runDeclare(ctx context.Context, args []string) error {
	fs := a.flags("declare")
	taxYear := fs.String("tax-year", "", "tax year, e.g. 2024-25")
	hash := fs.String("hash", "", "SHA-256 of the declaration text that was accepted")
	confirm := fs.Bool("confirm", false, "accept the standard declaration")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *hash == "" {
		if !*confirm {
			return errors.New(errors.KindConfirmationRequired, "pass --confirm to accept the declaration, or --hash for a custom one")
		}
		*hash = DeclarationHash()
	}

	a.verifySession(ctx)
	s, err := a.Submissions.SubmitAnnual(ctx, submission.AnnualRequest{
		TaxYear: *taxYear,
		Declaration: authority.Declaration{
			AcceptedAt: time.Now().UTC(),
			Hash:       strings.ToLower(*hash),
		},
	})
	if err != nil {
		return err
	}
	a.printSaga(s)
	return nil
}

func (a *App) runResume(ctx context.Context, args []string) error {
	fs := a.flags("resume")
	id := fs.String("id", "", "saga id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return errors.Validation("id", "is required")
	}

	s, err := a.Sagas.Get(ctx, *id)
	if err != nil {
		return err
	}
	if s.State == saga.StateCompleted {
		a.printSaga(s)
		return nil
	}

	a.verifySession(ctx)
	s, err = a.Submissions.PrepareAnnual(logging.ContextWithSagaID(ctx, s.ID), s.TaxYear)
	if err != nil {
		return err
	}
	a.printSaga(s)
	return nil
}

func (a *App) runSagas(ctx context.Context, args []string) error {
	fs := a.flags("sagas")
	taxYear := fs.String("tax-year", "", "only this tax year")
	if err := fs.Parse(args); err != nil {
		return err
	}

	nino, err := a.Profile.TaxpayerID(ctx)
	if err != nil {
		return err
	}
	if nino == "" {
		return errors.New(errors.KindNINORequired, "national insurance number is not set; run profile set first")
	}
	list, err := a.Sagas.List(ctx, nino)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTAX YEAR\tSTATE\tUPDATED")
	for _, s := range list {
		if *taxYear != "" && s.TaxYear != *taxYear {
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.ID, s.TaxYear, s.State, s.UpdatedAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

func (a *App) printSaga(s *saga.Saga) {
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Return:\t%s\n", s.ID)
	fmt.Fprintf(tw, "Tax year:\t%s\n", s.TaxYear)
	fmt.Fprintf(tw, "State:\t%s\n", s.State)
	if c := s.CalculationResult; c != nil {
		fmt.Fprintf(tw, "Total income:\t£%s\n", c.TotalIncome)
		fmt.Fprintf(tw, "Allowable expenses:\t£%s\n", c.TotalExpenses)
		fmt.Fprintf(tw, "Taxable profit:\t£%s\n", c.TaxableProfit)
		fmt.Fprintf(tw, "Income tax:\t£%s\n", c.IncomeTax)
		fmt.Fprintf(tw, "Class 4 NIC:\t£%s\n", c.Class4NIC)
		fmt.Fprintf(tw, "Total due:\t£%s\n", c.TotalDue)
	}
	if s.ChargeReference != "" {
		fmt.Fprintf(tw, "Charge reference:\t%s\n", s.ChargeReference)
	}
	if s.FailureReason != "" {
		fmt.Fprintf(tw, "Failure:\t%s\n", s.FailureReason)
	}
	_ = tw.Flush()
}

func (a *App) runServe(ctx context.Context, args []string) error {
	fs := a.flags("serve")
	port := fs.String("port", a.Config.Port, "listen port")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if err := a.Tokens.StartScheduler(a.Config.RefreshSchedule); err != nil {
		return err
	}

	api := handlers.New(a.Sagas, a.Connection, a.Profile, a.Storage)
	srv := server.New(api.Router(), *port)
	serveErr, err := srv.Start()
	if err != nil {
		return err
	}
	a.Logger.Info("Status API listening", logging.String("addr", srv.Addr()))

	select {
	case err := <-serveErr:
		return errors.Wrap(errors.KindInternal, "status API stopped", err)
	case <-ctx.Done():
	}

	a.Logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.Logger.Error("Server forced to shutdown", err)
		return err
	}
	a.Logger.Info("Server exited")
	return nil
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
