package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"

	"github.com/dealflow/offer-engine/internal/domain/offer"
)

// flags
var (
	versionFlag = &cli.IntFlag{
		Name:  "expected-version",
		Usage: "offer version the change is based on, sent as If-Match",
	}
	reasonFlag = &cli.StringFlag{
		Name:  "reason",
		Usage: "free text recorded on the negotiation event",
	}
	priceFlag = &cli.StringFlag{
		Name:  "price",
		Usage: "offer price as a decimal string",
	}
	currencyFlag = &cli.StringFlag{
		Name:  "currency",
		Usage: "ISO currency code",
	}
	paymentFlag = &cli.StringFlag{
		Name:  "payment",
		Usage: "payment structure, JSON encoded: '{\"kind\": \"mixed\", \"cashAmount\": \"...\", \"financedAmount\": \"...\"}'",
	}
	cashFlag = &cli.BoolFlag{
		Name:  "cash",
		Usage: "pay the full price in cash",
	}
	conditionsFlag = &cli.StringFlag{
		Name:  "conditions",
		Usage: "conditions, JSON encoded: '[{\"id\": \"...\", \"description\": \"...\", \"isRequired\": true}]'",
	}
	contingenciesFlag = &cli.StringFlag{
		Name:  "contingencies",
		Usage: "contingencies, JSON encoded: '[{\"id\": \"...\", \"description\": \"...\", \"deadline\": \"...\"}]'",
	}
	expiresAtFlag = &cli.StringFlag{
		Name:  "expires-at",
		Usage: "response deadline, RFC3339",
	}
	closingDateFlag = &cli.StringFlag{
		Name:  "closing-date",
		Usage: "target closing date, RFC3339",
	}
	ddDaysFlag = &cli.IntFlag{
		Name:  "dd-days",
		Usage: "due diligence period in days",
	}
	financingDaysFlag = &cli.IntFlag{
		Name:  "financing-days",
		Usage: "financing period in days",
	}
	requiresApprovalFlag = &cli.BoolFlag{
		Name:  "requires-approval",
		Usage: "acceptance needs every required condition met",
	}
	statusFlag = &cli.StringFlag{
		Name:  "status",
		Usage: "comma separated offer statuses to include",
	}
	limitFlag = &cli.IntFlag{
		Name:  "limit",
		Usage: "page size",
		Value: 100,
	}
	offsetFlag = &cli.IntFlag{
		Name:  "offset",
		Usage: "page offset",
	}
)

// commands
var (
	offerCmd = &cli.Command{
		Name:  "offer",
		Usage: "Submit, negotiate and inspect offers",
		Subcommands: append(
			cli.Commands{},
			offerSubmitCmd,
			offerGetCmd,
			offerCounterCmd,
			transitionCmd("review", "Move a submitted offer under review"),
			transitionCmd("accept", "Accept an offer"),
			transitionCmd("reject", "Reject an offer"),
			transitionCmd("withdraw", "Withdraw an offer"),
			offerCommentCmd,
			offerCommentsCmd,
			itemStatusCmd("condition", "conditions"),
			itemStatusCmd("contingency", "contingencies"),
			offerEvaluateCmd,
			offerHistoryCmd,
			offerVerifyCmd,
		),
	}
	offerSubmitCmd = &cli.Command{
		Name:   "submit",
		Usage:  "Submit a new offer on a listing",
		Action: offerSubmitAction,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listing", Usage: "listing id", Required: true},
			&cli.StringFlag{Name: "buyer", Usage: "buyer party id", Required: true},
			&cli.StringFlag{Name: "seller", Usage: "seller party id", Required: true},
			priceFlag, currencyFlag, paymentFlag, cashFlag, conditionsFlag, contingenciesFlag,
			expiresAtFlag, closingDateFlag, ddDaysFlag, financingDaysFlag, requiresApprovalFlag,
		},
	}
	offerGetCmd = &cli.Command{
		Name:      "get",
		Usage:     "Show an offer",
		ArgsUsage: "<offer-id>",
		Action:    offerGetAction,
	}
	offerCounterCmd = &cli.Command{
		Name:      "counter",
		Usage:     "Counter an offer; unset flags carry over from the parent",
		ArgsUsage: "<offer-id>",
		Action:    offerCounterAction,
		Flags: []cli.Flag{
			priceFlag, currencyFlag, paymentFlag, cashFlag, conditionsFlag, contingenciesFlag,
			expiresAtFlag, closingDateFlag, ddDaysFlag, financingDaysFlag, requiresApprovalFlag,
			reasonFlag, versionFlag,
		},
	}
	offerCommentCmd = &cli.Command{
		Name:      "comment",
		Usage:     "Add a comment to an offer",
		ArgsUsage: "<offer-id>",
		Action:    offerCommentAction,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "content", Usage: "comment text", Required: true},
			&cli.BoolFlag{Name: "private", Usage: "only the author can see the comment"},
		},
	}
	offerCommentsCmd = &cli.Command{
		Name:      "comments",
		Usage:     "List the comments visible to the actor",
		ArgsUsage: "<offer-id>",
		Action:    offerCommentsAction,
	}
	offerEvaluateCmd = &cli.Command{
		Name:      "evaluate",
		Usage:     "Evaluate condition rules against a set of facts",
		ArgsUsage: "<offer-id>",
		Action:    offerEvaluateAction,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "facts", Usage: "facts, JSON encoded: '{\"revenue\": 1200000}'", Required: true},
			versionFlag,
		},
	}
	offerHistoryCmd = &cli.Command{
		Name:      "history",
		Usage:     "Show the negotiation events of a chain",
		ArgsUsage: "<chain-root-id>",
		Action:    offerHistoryAction,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "offer", Usage: "only events of this offer"},
		},
	}
	offerVerifyCmd = &cli.Command{
		Name:      "verify",
		Usage:     "Verify the hash links of a negotiation chain",
		ArgsUsage: "<chain-root-id>",
		Action:    offerVerifyAction,
	}

	listingCmd = &cli.Command{
		Name:  "listing",
		Usage: "Inspect the offers on a listing",
		Subcommands: append(
			cli.Commands{},
			&cli.Command{
				Name:      "offers",
				Usage:     "List the offers on a listing",
				ArgsUsage: "<listing-id>",
				Action:    listingOffersAction,
				Flags:     []cli.Flag{statusFlag, limitFlag, offsetFlag},
			},
			&cli.Command{
				Name:      "compare",
				Usage:     "Rank competing offers on a listing",
				ArgsUsage: "<listing-id>",
				Action:    listingCompareAction,
				Flags: []cli.Flag{
					&cli.StringSliceFlag{Name: "id", Usage: "offer id to compare, repeatable"},
				},
			},
		),
	}

	partyCmd = &cli.Command{
		Name:  "party",
		Usage: "Inspect a party's dashboard",
		Subcommands: append(
			cli.Commands{},
			&cli.Command{
				Name:      "offers",
				Usage:     "List offers where the party is buyer or seller",
				ArgsUsage: "<party-id>",
				Action:    partyOffersAction,
				Flags:     []cli.Flag{statusFlag, limitFlag, offsetFlag},
			},
			&cli.Command{
				Name:      "deadlines",
				Usage:     "List the party's upcoming deadlines",
				ArgsUsage: "<party-id>",
				Action:    partyDeadlinesAction,
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "within-days", Usage: "look-ahead window", Value: 30},
				},
			},
		),
	}

	clusterCmd = &cli.Command{
		Name:  "cluster",
		Usage: "Inspect a replicated node",
		Subcommands: append(
			cli.Commands{},
			&cli.Command{
				Name:   "status",
				Usage:  "Show raft role and leader",
				Action: clusterStatusAction,
			},
			&cli.Command{
				Name:   "stats",
				Usage:  "Show replicated state counters",
				Action: clusterStatsAction,
			},
		),
	}
)

func transitionCmd(name, usage string) *cli.Command {
	return &cli.Command{
		Name:      name,
		Usage:     usage,
		ArgsUsage: "<offer-id>",
		Flags:     []cli.Flag{reasonFlag, versionFlag},
		Action: func(ctx *cli.Context) error {
			id, err := argAt(ctx, 0, "offer-id")
			if err != nil {
				return err
			}
			body := map[string]any{"reason": ctx.String("reason")}
			return newClient(ctx).send(ctx, http.MethodPost, "/v1/offers/"+id+"/"+name, body)
		},
	}
}

// itemStatusCmd updates a condition or contingency; segment is the URL collection.
func itemStatusCmd(name, segment string) *cli.Command {
	return &cli.Command{
		Name:      name,
		Usage:     fmt.Sprintf("Set the status of a %s", name),
		ArgsUsage: fmt.Sprintf("<offer-id> <%s-id>", name),
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "status", Usage: "new status", Required: true},
			&cli.StringFlag{Name: "evidence", Usage: "reference to supporting evidence"},
			versionFlag,
		},
		Action: func(ctx *cli.Context) error {
			id, err := argAt(ctx, 0, "offer-id")
			if err != nil {
				return err
			}
			itemID, err := argAt(ctx, 1, name+"-id")
			if err != nil {
				return err
			}
			body := map[string]any{
				"status":       ctx.String("status"),
				"evidence_ref": ctx.String("evidence"),
			}
			path := fmt.Sprintf("/v1/offers/%s/%s/%s", id, segment, itemID)
			return newClient(ctx).send(ctx, http.MethodPut, path, body)
		},
	}
}

func offerSubmitAction(ctx *cli.Context) error {
	body, err := termsFromFlags(ctx)
	if err != nil {
		return err
	}
	if _, ok := body["offer_price"]; !ok {
		return fmt.Errorf("missing --price")
	}
	body["listing_id"] = ctx.String("listing")
	body["buyer_id"] = ctx.String("buyer")
	body["seller_id"] = ctx.String("seller")
	return newClient(ctx).send(ctx, http.MethodPost, "/v1/offers", body)
}

func offerGetAction(ctx *cli.Context) error {
	id, err := argAt(ctx, 0, "offer-id")
	if err != nil {
		return err
	}
	return newClient(ctx).get(ctx, "/v1/offers/"+id)
}

func offerCounterAction(ctx *cli.Context) error {
	id, err := argAt(ctx, 0, "offer-id")
	if err != nil {
		return err
	}
	body, err := termsFromFlags(ctx)
	if err != nil {
		return err
	}
	if ctx.IsSet("reason") {
		body["reason"] = ctx.String("reason")
	}
	return newClient(ctx).send(ctx, http.MethodPost, "/v1/offers/"+id+"/counter", body)
}

func offerCommentAction(ctx *cli.Context) error {
	id, err := argAt(ctx, 0, "offer-id")
	if err != nil {
		return err
	}
	body := map[string]any{
		"content":    ctx.String("content"),
		"is_private": ctx.Bool("private"),
	}
	return newClient(ctx).send(ctx, http.MethodPost, "/v1/offers/"+id+"/comments", body)
}

func offerCommentsAction(ctx *cli.Context) error {
	id, err := argAt(ctx, 0, "offer-id")
	if err != nil {
		return err
	}
	return newClient(ctx).get(ctx, "/v1/offers/"+id+"/comments")
}

func offerEvaluateAction(ctx *cli.Context) error {
	id, err := argAt(ctx, 0, "offer-id")
	if err != nil {
		return err
	}
	facts := json.RawMessage(ctx.String("facts"))
	if !json.Valid(facts) {
		return fmt.Errorf("invalid facts: not JSON")
	}
	body := map[string]any{"facts": facts}
	return newClient(ctx).send(ctx, http.MethodPost, "/v1/offers/"+id+"/conditions/evaluate", body)
}

func offerHistoryAction(ctx *cli.Context) error {
	id, err := argAt(ctx, 0, "chain-root-id")
	if err != nil {
		return err
	}
	path := "/v1/offers/" + id + "/history"
	if offerID := ctx.String("offer"); offerID != "" {
		path += "?" + url.Values{"offer_id": {offerID}}.Encode()
	}
	return newClient(ctx).get(ctx, path)
}

func offerVerifyAction(ctx *cli.Context) error {
	id, err := argAt(ctx, 0, "chain-root-id")
	if err != nil {
		return err
	}
	return newClient(ctx).get(ctx, "/v1/offers/"+id+"/history/verify")
}

func listingOffersAction(ctx *cli.Context) error {
	id, err := argAt(ctx, 0, "listing-id")
	if err != nil {
		return err
	}
	return newClient(ctx).get(ctx, "/v1/listings/"+id+"/offers?"+pageQuery(ctx).Encode())
}

func listingCompareAction(ctx *cli.Context) error {
	id, err := argAt(ctx, 0, "listing-id")
	if err != nil {
		return err
	}
	path := "/v1/listings/" + id + "/offers/compare"
	if ids := ctx.StringSlice("id"); len(ids) > 0 {
		path += "?" + url.Values{"ids": {strings.Join(ids, ",")}}.Encode()
	}
	return newClient(ctx).get(ctx, path)
}

func partyOffersAction(ctx *cli.Context) error {
	id, err := argAt(ctx, 0, "party-id")
	if err != nil {
		return err
	}
	return newClient(ctx).get(ctx, "/v1/parties/"+id+"/offers?"+pageQuery(ctx).Encode())
}

func partyDeadlinesAction(ctx *cli.Context) error {
	id, err := argAt(ctx, 0, "party-id")
	if err != nil {
		return err
	}
	q := url.Values{"within_days": {strconv.Itoa(ctx.Int("within-days"))}}
	return newClient(ctx).get(ctx, "/v1/parties/"+id+"/deadlines?"+q.Encode())
}

func clusterStatusAction(ctx *cli.Context) error {
	return newClient(ctx).get(ctx, "/v1/cluster/status")
}

func clusterStatsAction(ctx *cli.Context) error {
	return newClient(ctx).get(ctx, "/v1/cluster/stats")
}

// termsFromFlags collects the offer terms that were set on the command line.
func termsFromFlags(ctx *cli.Context) (map[string]any, error) {
	body := map[string]any{}

	var price decimal.Decimal
	if ctx.IsSet("price") {
		p, err := decimal.NewFromString(ctx.String("price"))
		if err != nil {
			return nil, fmt.Errorf("invalid price: %s", err)
		}
		price = p
		body["offer_price"] = p
	}
	if ctx.IsSet("currency") {
		body["currency"] = ctx.String("currency")
	}

	switch {
	case ctx.IsSet("payment") && ctx.Bool("cash"):
		return nil, fmt.Errorf("use either --payment or --cash")
	case ctx.IsSet("payment"):
		var p offer.Payment
		if err := json.Unmarshal([]byte(ctx.String("payment")), &p); err != nil {
			return nil, fmt.Errorf("invalid payment: %s", err)
		}
		body["payment_structure"] = &p
	case ctx.Bool("cash"):
		if !ctx.IsSet("price") {
			return nil, fmt.Errorf("--cash needs --price")
		}
		body["payment_structure"] = &offer.Payment{PaymentStructure: offer.Cash{Amount: price}}
	}

	if ctx.IsSet("conditions") {
		var conditions []offer.Condition
		if err := json.Unmarshal([]byte(ctx.String("conditions")), &conditions); err != nil {
			return nil, fmt.Errorf("invalid conditions: %s", err)
		}
		body["conditions"] = conditions
	}
	if ctx.IsSet("contingencies") {
		var contingencies []offer.Contingency
		if err := json.Unmarshal([]byte(ctx.String("contingencies")), &contingencies); err != nil {
			return nil, fmt.Errorf("invalid contingencies: %s", err)
		}
		body["contingencies"] = contingencies
	}

	for flag, field := range map[string]string{"expires-at": "expires_at", "closing-date": "closing_date"} {
		if !ctx.IsSet(flag) {
			continue
		}
		t, err := time.Parse(time.RFC3339, ctx.String(flag))
		if err != nil {
			return nil, fmt.Errorf("invalid --%s: %s", flag, err)
		}
		body[field] = t
	}
	if ctx.IsSet("dd-days") {
		body["due_diligence_period_days"] = ctx.Int("dd-days")
	}
	if ctx.IsSet("financing-days") {
		body["financing_period_days"] = ctx.Int("financing-days")
	}
	if ctx.IsSet("requires-approval") {
		body["requires_approval"] = ctx.Bool("requires-approval")
	}
	return body, nil
}

func pageQuery(ctx *cli.Context) url.Values {
	q := url.Values{}
	if s := ctx.String("status"); s != "" {
		q.Set("status", s)
	}
	q.Set("limit", strconv.Itoa(ctx.Int("limit")))
	q.Set("offset", strconv.Itoa(ctx.Int("offset")))
	return q
}

// argAt returns the i-th positional argument, escaped for use in a path.
func argAt(ctx *cli.Context, i int, name string) (string, error) {
	v := ctx.Args().Get(i)
	if v == "" {
		return "", fmt.Errorf("missing <%s> argument", name)
	}
	return url.PathEscape(v), nil
}
