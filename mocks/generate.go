package mocks

//go:generate mockgen -destination=./mock_auth.go -package=mocks github.com/gregtusar/sigtrader/pkg/auth Authenticator,Store
//go:generate mockgen -destination=./mock_notify.go -package=mocks github.com/gregtusar/sigtrader/pkg/notify Notifier
//go:generate mockgen -destination=./mock_trader.go -package=mocks github.com/gregtusar/sigtrader/pkg/trader Broker,SessionSource
//go:generate mockgen -destination=./mock_store.go -package=mocks github.com/gregtusar/sigtrader/pkg/store PositionStore
