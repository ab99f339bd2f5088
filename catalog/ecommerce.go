package catalog

// Default returns the catalog for the e-commerce dataset: customers, orders,
// order items, products, reviews and support tickets.
func Default() *Catalog {
	c, err := New("ecommerce", ecommerceTables())
	if err != nil {
		panic("catalog: default catalog is invalid: " + err.Error())
	}
	return c
}

func ecommerceTables() []Table {
	return []Table{
		{
			Name:        "customers",
			Entity:      "customer",
			Description: "People who have registered with the store.",
			Columns: []Column{
				{Name: "id", Type: "INTEGER", PrimaryKey: true},
				{Name: "email", Type: "VARCHAR(255)", Description: "unique"},
				{Name: "first_name", Type: "VARCHAR(100)"},
				{Name: "last_name", Type: "VARCHAR(100)"},
				{Name: "phone", Type: "VARCHAR(20)"},
				{Name: "address", Type: "TEXT"},
				{Name: "city", Type: "VARCHAR(100)"},
				{Name: "state", Type: "VARCHAR(100)"},
				{Name: "country", Type: "VARCHAR(100)"},
				{Name: "postal_code", Type: "VARCHAR(20)"},
				{Name: "created_at", Type: "TIMESTAMP"},
				{Name: "updated_at", Type: "TIMESTAMP"},
				{Name: "is_active", Type: "BOOLEAN"},
			},
		},
		{
			Name:        "products",
			Entity:      "product",
			Description: "Items in the catalogue.",
			Columns: []Column{
				{Name: "id", Type: "INTEGER", PrimaryKey: true},
				{Name: "name", Type: "VARCHAR(255)"},
				{Name: "description", Type: "TEXT"},
				{Name: "price", Type: "DECIMAL(10,2)", Currency: true},
				{Name: "category", Type: "VARCHAR(100)"},
				{Name: "brand", Type: "VARCHAR(100)"},
				{Name: "sku", Type: "VARCHAR(100)", Description: "unique"},
				{Name: "stock_quantity", Type: "INTEGER"},
				{Name: "is_active", Type: "BOOLEAN"},
				{Name: "created_at", Type: "TIMESTAMP"},
				{Name: "updated_at", Type: "TIMESTAMP"},
			},
		},
		{
			Name:        "orders",
			Entity:      "order",
			Description: "Purchases placed by customers.",
			Columns: []Column{
				{Name: "id", Type: "INTEGER", PrimaryKey: true},
				{Name: "customer_id", Type: "INTEGER", References: "customers.id"},
				{Name: "order_number", Type: "VARCHAR(100)", Description: "unique"},
				{Name: "status", Type: "VARCHAR(50)", Values: []string{"pending", "processing", "shipped", "delivered", "cancelled"}},
				{Name: "total_amount", Type: "DECIMAL(10,2)", Currency: true},
				{Name: "shipping_address", Type: "TEXT"},
				{Name: "billing_address", Type: "TEXT"},
				{Name: "payment_method", Type: "VARCHAR(50)"},
				{Name: "payment_status", Type: "VARCHAR(50)", Values: []string{"pending", "paid", "failed", "refunded"}},
				{Name: "created_at", Type: "TIMESTAMP"},
				{Name: "updated_at", Type: "TIMESTAMP"},
			},
		},
		{
			Name:        "order_items",
			Entity:      "order item",
			Description: "Line items of an order.",
			Columns: []Column{
				{Name: "id", Type: "INTEGER", PrimaryKey: true},
				{Name: "order_id", Type: "INTEGER", References: "orders.id"},
				{Name: "product_id", Type: "INTEGER", References: "products.id"},
				{Name: "quantity", Type: "INTEGER"},
				{Name: "unit_price", Type: "DECIMAL(10,2)", Currency: true},
				{Name: "total_price", Type: "DECIMAL(10,2)", Currency: true},
			},
		},
		{
			Name:        "reviews",
			Entity:      "review",
			Description: "Product reviews written by customers.",
			Columns: []Column{
				{Name: "id", Type: "INTEGER", PrimaryKey: true},
				{Name: "customer_id", Type: "INTEGER", References: "customers.id"},
				{Name: "product_id", Type: "INTEGER", References: "products.id"},
				{Name: "rating", Type: "INTEGER", Description: "1 to 5"},
				{Name: "title", Type: "VARCHAR(255)"},
				{Name: "comment", Type: "TEXT"},
				{Name: "is_verified_purchase", Type: "BOOLEAN"},
				{Name: "created_at", Type: "TIMESTAMP"},
			},
		},
		{
			Name:        "support_tickets",
			Entity:      "support ticket",
			Description: "Customer support requests.",
			Columns: []Column{
				{Name: "id", Type: "INTEGER", PrimaryKey: true},
				{Name: "customer_id", Type: "INTEGER", References: "customers.id"},
				{Name: "ticket_number", Type: "VARCHAR(100)", Description: "unique"},
				{Name: "subject", Type: "VARCHAR(255)"},
				{Name: "description", Type: "TEXT"},
				{Name: "priority", Type: "VARCHAR(20)", Values: []string{"low", "medium", "high", "urgent"}},
				{Name: "status", Type: "VARCHAR(20)", Values: []string{"open", "in_progress", "resolved", "closed"}},
				{Name: "category", Type: "VARCHAR(50)", Values: []string{"technical", "billing", "shipping", "general"}},
				{Name: "assigned_to", Type: "VARCHAR(100)"},
				{Name: "resolution", Type: "TEXT"},
				{Name: "created_at", Type: "TIMESTAMP"},
				{Name: "resolved_at", Type: "TIMESTAMP"},
			},
		},
	}
}
