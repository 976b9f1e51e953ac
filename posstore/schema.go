// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package posstore

import "fmt"

// metaDDL declares the columns every entity table starts with.
const metaDDL = `"_id" TEXT PRIMARY KEY NOT NULL,
	"companyRef" TEXT NOT NULL DEFAULT '',
	"locationRef" TEXT NOT NULL DEFAULT '',
	"company" TEXT NOT NULL DEFAULT '{"name":""}',
	"location" TEXT NOT NULL DEFAULT '{"name":""}',
	"source" TEXT NOT NULL CHECK ("source" IN ('local', 'server')),
	"createdAt" INTEGER NOT NULL DEFAULT 0,
	"updatedAt" INTEGER NOT NULL DEFAULT 0`

func entityTable(name, columns string) string {
	return fmt.Sprintf("CREATE TABLE %s (\n\t%s,\n\t%s\n)", quoteIdent(name), metaDDL, columns)
}

// Migrations returns the schema history of the local database. Entries are
// append-only: shipped migrations are never edited or reordered.
func Migrations() []Migration {
	return []Migration{
		{
			Name: "0001_create_categories",
			Statements: []string{entityTable("categories", `"name" TEXT NOT NULL,
	"description" TEXT NOT NULL DEFAULT '',
	"sortOrder" INTEGER NOT NULL DEFAULT 0,
	"status" TEXT NOT NULL DEFAULT 'active'`)},
		},
		{
			Name: "0002_create_products",
			Statements: []string{entityTable("products", `"name" TEXT NOT NULL,
	"categoryRef" TEXT NOT NULL DEFAULT '',
	"category" TEXT NOT NULL DEFAULT '{"name":{"en":""}}',
	"sku" TEXT NOT NULL DEFAULT '',
	"price" TEXT NOT NULL DEFAULT '0',
	"taxRate" TEXT NOT NULL DEFAULT '0',
	"sellable" INTEGER NOT NULL DEFAULT 1,
	"trackStock" INTEGER NOT NULL DEFAULT 0,
	"stock" INTEGER NOT NULL DEFAULT 0,
	"status" TEXT NOT NULL DEFAULT 'active'`)},
		},
		{
			Name: "0003_create_customers",
			Statements: []string{entityTable("customers", `"name" TEXT NOT NULL,
	"phone" TEXT NOT NULL DEFAULT '',
	"email" TEXT NOT NULL DEFAULT '',
	"totalSpent" TEXT NOT NULL DEFAULT '0',
	"totalOrders" INTEGER NOT NULL DEFAULT 0,
	"allowCredit" INTEGER NOT NULL DEFAULT 0,
	"status" TEXT NOT NULL DEFAULT 'active'`)},
		},
		{
			Name: "0004_create_orders",
			Statements: []string{entityTable("orders", `"orderNumber" TEXT NOT NULL,
	"customer" TEXT,
	"items" TEXT NOT NULL DEFAULT '[]',
	"payments" TEXT NOT NULL DEFAULT '[]',
	"subtotal" TEXT NOT NULL DEFAULT '0',
	"discount" TEXT NOT NULL DEFAULT '0',
	"tax" TEXT NOT NULL DEFAULT '0',
	"total" TEXT NOT NULL DEFAULT '0',
	"status" TEXT NOT NULL DEFAULT 'open',
	"refunded" INTEGER NOT NULL DEFAULT 0,
	"closedAt" INTEGER`)},
		},
		{
			Name: "0005_create_printers",
			Statements: []string{entityTable("printers", `"name" TEXT NOT NULL,
	"kind" TEXT NOT NULL DEFAULT 'receipt',
	"address" TEXT NOT NULL DEFAULT '',
	"port" INTEGER NOT NULL DEFAULT 9100,
	"paperWidth" INTEGER NOT NULL DEFAULT 80,
	"isDefault" INTEGER NOT NULL DEFAULT 0,
	"enabled" INTEGER NOT NULL DEFAULT 1,
	"status" TEXT NOT NULL DEFAULT 'active'`)},
		},
		{
			Name: "0006_create_sync_queue",
			Statements: []string{
				`CREATE TABLE "_sync_queue" (
	"seq" INTEGER PRIMARY KEY AUTOINCREMENT,
	"entityName" TEXT NOT NULL,
	"ref" TEXT NOT NULL,
	"op" TEXT NOT NULL CHECK ("op" IN ('upsert', 'delete')),
	"enqueuedAt" INTEGER NOT NULL,
	"attempts" INTEGER NOT NULL DEFAULT 0,
	"nextAttemptAt" INTEGER NOT NULL DEFAULT 0,
	"lastError" TEXT
)`,
				`CREATE INDEX "idx_sync_queue_entity" ON "_sync_queue" ("entityName", "seq")`,
			},
		},
		{
			Name:       "0007_orders_add_receipt_printed",
			Statements: []string{`ALTER TABLE "orders" ADD COLUMN "receiptPrinted" INTEGER NOT NULL DEFAULT 0`},
		},
		{
			Name: "0008_index_orders_status",
			Statements: []string{
				`CREATE INDEX "idx_orders_status_created" ON "orders" ("status", "createdAt")`,
				`CREATE INDEX "idx_products_category" ON "products" ("categoryRef")`,
			},
		},
	}
}
