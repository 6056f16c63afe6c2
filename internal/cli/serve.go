package cli

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/handbuilt/gabridge"
	"github.com/handbuilt/gabridge/callback"
	"github.com/handbuilt/gabridge/errors"
	"github.com/handbuilt/gabridge/internal/server"
	"github.com/handbuilt/gabridge/logging"
	"github.com/handbuilt/gabridge/query"
	"github.com/spf13/cobra"
	"google.golang.org/grpc/codes"
)

const (
	adminHeader = "X-Admin-Key"
	adminCookie = "admin_key"
)

var (
	errForbidden = errors.NewC("cli: admin key required", codes.PermissionDenied).
		WithPublicMessage("You don't have access to perform this action. Please contact an administrator.")
	errNoMetric = errors.NewC("cli: metric parameter required", codes.InvalidArgument).
		WithPublicMessage("At least one metric is required.")
)

func newServeCmd(flags *globalFlags) *cobra.Command {
	var (
		host     string
		port     int
		withCron bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the standalone HTTP host",
		Long: `Serve the connect flow and cached metrics over HTTP.

Routes:
  GET /connect        redirect to Google's consent screen
  GET /settings       connection status as JSON
  GET /api/metrics    metric values by page path, ?metric=ga:pageviews

/connect and /settings, and the OAuth callback itself, require the
server.adminKey value in the X-Admin-Key header or the admin_key cookie.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			k, err := flags.loadConfig()
			if err != nil {
				return err
			}
			perms := adminKeyPermissions(k.String("server.adminKey"))
			b, err := openBridge(ctx, k, gabridge.WithPermissions(perms))
			if err != nil {
				return err
			}
			defer b.Close()

			if withCron {
				s, err := b.Scheduler(k.String("prime.schedule"), gabridge.PrimeJobsFromConfig(k)...)
				if err != nil {
					return err
				}
				s.Start()
				defer s.Stop(ctx)
			}

			if !cmd.Flags().Changed("host") {
				host = k.String("server.host")
			}
			if !cmd.Flags().Changed("port") {
				port = k.Int("server.port")
			}
			return server.New(ctx, host, port, newRouter(b, perms), nil).Start()
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "Host to bind to (overrides server.host)")
	cmd.Flags().IntVar(&port, "port", 0, "Port to bind to (overrides server.port)")
	cmd.Flags().BoolVar(&withCron, "prime", true, "Prime the cache on prime.schedule")
	return cmd
}

// adminKeyPermissions grants every capability to requests carrying key. An
// empty key denies everything.
func adminKeyPermissions(key string) callback.PermissionFunc {
	return func(r *http.Request, capability string) bool {
		if key == "" {
			return false
		}
		given := r.Header.Get(adminHeader)
		if given == "" {
			if c, err := r.Cookie(adminCookie); err == nil {
				given = c.Value
			}
		}
		return subtle.ConstantTimeCompare([]byte(given), []byte(key)) == 1
	}
}

func newRouter(b *gabridge.Bridge, perms callback.Permissions) http.Handler {
	r := mux.NewRouter()

	r.Handle("/connect", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !perms.CurrentActorCan(r, callback.CapabilityManage) {
			http.Error(w, errors.PublicMessage(errForbidden), http.StatusForbidden)
			return
		}
		http.Redirect(w, r, b.Manager().AuthorizationURL(r.Context()), http.StatusFound)
	})).Methods(http.MethodGet)

	r.Handle("/settings", server.JSONHandler(func(r *http.Request) (any, error) {
		if !perms.CurrentActorCan(r, callback.CapabilityManage) {
			return nil, errors.Mark(errForbidden, 0)
		}
		return b.Status(r.Context(), r.URL.Query().Get("success")), nil
	})).Methods(http.MethodGet)

	r.Handle("/api/metrics", server.JSONHandler(func(r *http.Request) (any, error) {
		metrics := metricParams(r)
		if len(metrics) == 0 {
			return nil, errors.Mark(errNoMetric, 0)
		}
		opts := query.Options{DateRange: query.DateRange{
			StartDate: r.URL.Query().Get("start"),
			EndDate:   r.URL.Query().Get("end"),
		}}
		logging.Track(r.Context(), "metrics", metrics)
		if len(metrics) == 1 {
			return b.Queries().MetricByPath(r.Context(), metrics[0], opts)
		}
		return b.Queries().MetricsByPath(r.Context(), metrics, opts)
	})).Methods(http.MethodGet)

	return b.Callbacks().Middleware(r)
}

// metricParams accepts repeated metric parameters and comma separated lists.
func metricParams(r *http.Request) []string {
	var out []string
	for _, v := range r.URL.Query()["metric"] {
		for _, m := range strings.Split(v, ",") {
			if m = strings.TrimSpace(m); m != "" {
				out = append(out, m)
			}
		}
	}
	return out
}
