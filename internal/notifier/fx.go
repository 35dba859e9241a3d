package notifier

import (
	"go.uber.org/fx"

	ledgerservice "github.com/smallbiznis/meterd/internal/ledger/service"
)

var Module = fx.Module("notifier",
	fx.Provide(
		fx.Annotate(
			NewLowBalanceNotifier,
			fx.As(new(ledgerservice.BalanceObserver)),
		),
	),
)
