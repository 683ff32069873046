// Package subscription implements the subscription billing lifecycle:
// trials, checkout, renewal, cancellation and upgrades, reconciled against
// asynchronous payment gateway webhooks.
//
// # Components
//
//   - Catalog holds the validated plan list (NewCatalog over a PlanSource).
//   - Store persists subscriptions, payment records, processed webhook ids and
//     the invoice sequence. MemoryStore is the in-process implementation; the
//     pgstore subpackage is the Postgres one.
//   - CheckoutInitiator opens gateway checkouts for new subscriptions.
//   - Engine performs every status change through a single transition table
//     with optimistic versioning.
//   - WebhookProcessor authenticates, deduplicates and applies gateway events.
//   - Dispatcher sends lifecycle emails in the background.
//   - Ledger appends payment records with unique invoice numbers.
//   - Sweeper renews, expires and repairs rows on a schedule.
//
// # Statuses
//
//	pending ──activate──▶ active ◀──activate── trial
//	                        │  ▲
//	          payment_failed│  │refresh / payment_recovered
//	                        ▼  │
//	                   payment_failed
//
//	active ──begin_switch──▶ switching ──complete_switch──▶ cancelled
//	                          └──abandon_switch──▶ active
//
// cancelled and expired are terminal. At most one row per subscriber is
// ACTIVE or TRIAL at a time, and each subscriber gets one trial for life.
//
// # Webhooks
//
// Process claims the event id and applies the handler in one transaction, so
// redeliveries are no-ops. Events that can never apply (unknown subscription,
// stale version, conflict, illegal transition) are acknowledged without
// action; other failures are returned so the gateway retries.
//
// # Usage
//
//	catalog, _ := subscription.NewCatalog(ctx, subscription.NewInMemSource(subscription.DefaultPlans()...))
//	store := subscription.NewMemoryStore()
//	gw := subscription.NewGuardedGateway(stripeGateway)
//	engine := subscription.NewEngine(store, catalog, gw,
//		subscription.WithDispatcher(subscription.NewDispatcher(notifier, accounts)),
//	)
//	processor := subscription.NewWebhookProcessor(engine, decoder)
package subscription
