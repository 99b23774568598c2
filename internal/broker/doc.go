/*
Broker simulates an exchange for bar driven backtests.

# Module
  - order registry: active orders ordered by id, snapshotted before every bar set
  - fill strategy: decides price and size of each fill from the bar
  - ledger: cash (decimal) and per-instrument positions
  - risk engine: optional pre-trade limits checked on submission

# Source
 1. bar sets from a BarFeed, the broker must be its first subscriber
 2. orders from the strategy, submitted through SubmitOrder

# Produce
  - order events, delivered synchronously to subscribers
*/
package broker
