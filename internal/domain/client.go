package domain

// Demographics are the attributes the risk model consumes besides the
// financial fields.
type Demographics struct {
	Sex             string `json:"sex" db:"sex"`
	Job             int    `json:"job" db:"job"`
	Housing         string `json:"housing" db:"housing"`
	SavingAccounts  string `json:"saving_accounts" db:"saving_accounts"`
	CheckingAccount string `json:"checking_account" db:"checking_account"`
}

// Client is a client registry record.
type Client struct {
	ID     int64   `json:"id" db:"id"`
	Name   string  `json:"name" db:"name" validate:"required"`
	CPF    string  `json:"cpf" db:"cpf" validate:"required"`
	Income float64 `json:"income" db:"income" validate:"gte=0"`
	Age    int     `json:"age" db:"age" validate:"gte=0"`
	Score  int     `json:"score" db:"score" validate:"gte=0"`
	Demographics
}

// SeedClients are the reference clients installed into an empty registry.
func SeedClients() []Client {
	return []Client{
		{ID: 1, Name: "Alice Silva", CPF: "111.222.333-44", Income: 5000, Age: 30, Score: 750,
			Demographics: Demographics{Sex: "female", Job: 1, Housing: "own", SavingAccounts: "little", CheckingAccount: "moderate"}},
		{ID: 2, Name: "Bob Santos", CPF: "555.666.777-88", Income: 2000, Age: 20, Score: 400,
			Demographics: Demographics{Sex: "male", Job: 0, Housing: "rent", SavingAccounts: "little", CheckingAccount: "little"}},
		{ID: 3, Name: "Charlie Souza", CPF: "999.888.777-66", Income: 12000, Age: 45, Score: 800,
			Demographics: Demographics{Sex: "male", Job: 3, Housing: "own", SavingAccounts: "rich", CheckingAccount: "rich"}},
	}
}
