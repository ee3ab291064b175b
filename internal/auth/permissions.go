package auth

const (
	PermChatUse        = "chat.use"
	PermOrdersRead     = "orders.read"
	PermCatalogWrite   = "catalog.write"
	PermReportsResolve = "reports.resolve"
	PermUsersManage    = "users.manage"
	PermAuditRead      = "audit.read"
)
