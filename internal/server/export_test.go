package server

var RecoverUnary = recoverUnary
