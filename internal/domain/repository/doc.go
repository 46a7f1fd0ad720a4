// Package repository define los contratos que el núcleo de autenticación
// consume de colaboradores externos.
//
// El núcleo nunca maneja passwords en claro ni persiste usuarios: el
// directorio de usuarios y el verificador de passwords viven fuera y se
// inyectan por estas interfaces.
//
//	┌─────────────────────────────────────────────────────┐
//	│        HTTP layer (externo)                         │
//	└─────────────────────────────────────────────────────┘
//	                        │
//	                        ▼
//	┌─────────────────────────────────────────────────────┐
//	│        auth.Coordinator                             │
//	└─────────────────────────────────────────────────────┘
//	                        │
//	         ┌──────────────┴──────────────┐
//	         ▼                             ▼
//	┌──────────────────┐         ┌──────────────────┐
//	│ PasswordVerifier │         │  UserDirectory   │
//	└──────────────────┘         └──────────────────┘
//
// Convenciones:
//   - Context siempre es el primer parámetro
//   - Errores de dominio están en errors.go
package repository
