package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pricewatch/internal/compare"
	"github.com/xkilldash9x/pricewatch/internal/config"
	"github.com/xkilldash9x/pricewatch/internal/login"
	"github.com/xkilldash9x/pricewatch/internal/observability"
	"github.com/xkilldash9x/pricewatch/internal/service"
	"github.com/xkilldash9x/pricewatch/internal/session"
)

// maxCodeAttempts bounds how often a rejected one-time code is re-prompted.
const maxCodeAttempts = 3

type compareOptions struct {
	accounts []string
	limit    int
}

func newCompareCmd(factory service.ComponentFactory) *cobra.Command {
	opts := compareOptions{}
	compareCmd := &cobra.Command{
		Use:   "compare <url>",
		Short: "Log every account in and compare the price each is offered for a product",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			u, err := url.Parse(args[0])
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				return fmt.Errorf("%q is not an absolute http(s) URL", args[0])
			}
			return runCompare(cmd.Context(), cfg, observability.GetLogger(), factory, opts, args[0], cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	compareCmd.Flags().StringSliceVarP(&opts.accounts, "accounts", "a", nil, "account labels to use (default: all configured)")
	compareCmd.Flags().IntVar(&opts.limit, "limit", 0, "maximum concurrent scrapes (0: one per account)")
	return compareCmd
}

// runCompare logs accounts in one at a time, prompting on in for one-time
// codes, then scrapes target with every logged-in account and prints a table.
func runCompare(ctx context.Context, cfg config.Interface, logger *zap.Logger, factory service.ComponentFactory, opts compareOptions, target string, in io.Reader, out io.Writer) error {
	components, err := factory.Create(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize components: %w", err)
	}
	svc := service.New(logger, cfg, components)
	defer func() {
		if err := svc.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("Service did not shut down cleanly", zap.Error(err))
		}
	}()

	labels := opts.accounts
	if len(labels) == 0 {
		for _, acct := range svc.Accounts() {
			labels = append(labels, acct.Label)
		}
	}
	if len(labels) == 0 {
		return errors.New("no accounts configured")
	}

	reader := bufio.NewReader(in)
	var ready []string
	for _, label := range labels {
		st, err := loginInteractive(ctx, svc, label, reader, out)
		if err != nil {
			return err
		}
		if st.State != session.LoggedIn {
			fmt.Fprintf(out, "%s: login failed: %s\n", label, st.Error)
			continue
		}
		fmt.Fprintf(out, "%s: logged in\n", label)
		ready = append(ready, label)
	}
	if len(ready) == 0 {
		return errors.New("no account could log in")
	}

	limit := opts.limit
	if limit <= 0 {
		limit = len(ready)
	}
	report := compare.New(logger, svc, limit).Run(ctx, target, ready)
	renderReport(out, report)
	if _, ok := report.Cheapest(); !ok {
		return errors.New("no account returned a price")
	}
	return nil
}

// loginInteractive logs label in, asking for one-time codes as needed. It
// only fails when the request itself could not be served.
func loginInteractive(ctx context.Context, svc *service.Service, label string, reader *bufio.Reader, out io.Writer) (session.Status, error) {
	st, err := svc.InitiateLogin(ctx, label)
	if err != nil {
		return st, err
	}
	for attempt := 1; st.State == session.VerificationRequired && attempt <= maxCodeAttempts; attempt++ {
		prompt := fmt.Sprintf("%s: verification code", label)
		if st.PhoneHint != "" {
			prompt += " (sent to " + st.PhoneHint + ")"
		}
		if st.Error != "" {
			prompt = st.Error + ". " + prompt
		}
		fmt.Fprint(out, prompt+": ")

		line, rerr := reader.ReadString('\n')
		code := strings.TrimSpace(line)
		if code == "" {
			if rerr != nil {
				return st, fmt.Errorf("reading verification code: %w", rerr)
			}
			continue
		}
		st, err = svc.SubmitVerification(ctx, label, code)
		if err != nil {
			return st, err
		}
		if st.Error == login.MsgInvalidCode && attempt == maxCodeAttempts {
			st.Error = "verification code rejected " + strconv.Itoa(maxCodeAttempts) + " times"
		}
	}
	return st, nil
}

func renderReport(out io.Writer, report compare.Report) {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.SetOutputMirror(out)
	t.SetTitle(report.URL)
	t.AppendHeader(table.Row{"#", "Account", "Product", "Price", "Note"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 4, Align: text.AlignRight},
	})

	best, hasBest := report.Cheapest()
	for i, res := range report.Results {
		if !res.OK() {
			t.AppendRow(table.Row{"-", res.Account, "", "", res.Error})
			continue
		}
		note := ""
		if hasBest && res.Data.Price == best.Data.Price {
			note = "cheapest"
		} else if hasBest {
			note = fmt.Sprintf("+%.2f", res.Data.Price-best.Data.Price)
		}
		t.AppendRow(table.Row{i + 1, res.Account, res.Data.ProductName, res.Data.PriceDisplay, note})
	}
	if hasBest {
		t.AppendFooter(table.Row{"", "", "", "spread", fmt.Sprintf("%.2f", report.Spread())})
	}
	t.Render()
}
