package mocks

//go:generate mockgen -source=./../messenger/types.go -destination=./messengerMocks/messenger_mock.go -package=messengerMocks
//go:generate mockgen -source=./../ledger/ledger.go -destination=./ledgerMocks/ledger_mock.go -package=ledgerMocks
//go:generate mockgen -source=./../enclave/enclave.go -destination=./enclaveMocks/enclave_mock.go -package=enclaveMocks
//go:generate mockgen -source=./../operator/modules/state/state.go -destination=./operatorMocks/state_mock.go -package=operatorMocks
//go:generate mockgen -source=./../operator/repositories/deposit/deposit.go -destination=./repoMocks/deposit_mock.go -package=repoMocks
//go:generate mockgen -source=./../operator/repositories/bundle/bundle.go -destination=./repoMocks/bundle_mock.go -package=repoMocks
//go:generate mockgen -source=./../operator/services/deal/deal_service.go -destination=./serviceMocks/deal_service_mock.go -package=serviceMocks
//go:generate mockgen -source=./../client/modules/keystore/keystore.go -destination=./clientMocks/keystore_mock.go -package=clientMocks
