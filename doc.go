package datamodel

/*
Package datamodel is an in-memory, transactional, relational data store used as the data model of a trading and
portfolio application. Nothing is persisted: the store lives and dies with the process.

Clients declare tables of typed rows, relate them with foreign keys, and change them inside transactions. Every table
and every row has a reader/writer lock; a transaction holds the locks it takes until the outermost transaction commits
or rolls back (two-phase locking). Transactions that lock rows in opposite orders deadlock, and the lock manager
aborts the request that closed the cycle.

The module is organized into the following packages:

* `store/lock`: the reader/writer lock with its FIFO wait queue.
* `store/deadlock`: the wait-for graph used to detect deadlocks between lock requests.
* `store/txn`: transactions, carried through `context.Context`, with nesting, undo and commit actions.
* `store/table`: generic tables, row headers, relations (foreign keys) and row change notifications.
* `portfolio`: the trading schema (models, accounts, assets, positions, quotes) built on the tables.
* `config`: TOML configuration and logger setup.
* `cmd/portfolio-bench`: a command line tool running a concurrent trading workload and a deadlock demo.
*/
