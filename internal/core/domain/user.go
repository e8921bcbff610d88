package domain

type OperatorID string

type OperatorRole string

const (
	RoleViewer   OperatorRole = "viewer"
	RoleOperator OperatorRole = "operator"
	RoleAdmin    OperatorRole = "admin"
)
